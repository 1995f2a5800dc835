package protocol

import "time"

// Version is the only protocol version renderers are expected to speak.
const Version = 1

// Request is the envelope written to a protocol-mode renderer's stdin.
type Request struct {
	Protocol   int       `json:"protocol"`
	JobID      string    `json:"job_id"`
	Argument   *string   `json:"argument"` // null means "use defaults"
	Argv       []string  `json:"argv"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// Response is the envelope read from a protocol-mode renderer's stdout.
type Response struct {
	Status  string     `json:"status"` // ok | error
	Error   string     `json:"error,omitempty"`
	Outputs []string   `json:"outputs,omitempty"` // files written by the job
	Logs    []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from the renderer.
type LogEntry struct {
	Level   string `json:"level"` // debug | info | warn | error
	Message string `json:"message"`
}

// OK reports whether the renderer completed the job.
func (r *Response) OK() bool { return r.Status == "ok" }
