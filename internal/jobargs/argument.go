package jobargs

// Argument is the resolved argument string for one job.
// The zero value is the null argument: the renderer runs with its defaults.
type Argument struct {
	Text string
	Set  bool
}

// Arg returns a non-null Argument.
func Arg(text string) Argument {
	return Argument{Text: text, Set: true}
}

// IsNull reports whether the argument is absent.
func (a Argument) IsNull() bool { return !a.Set }

// String renders the argument for logs. Null arguments render as "<defaults>".
func (a Argument) String() string {
	if !a.Set {
		return "<defaults>"
	}
	return a.Text
}

// Str returns a pointer to s, for building optional argument string lists.
func Str(s string) *string { return &s }
