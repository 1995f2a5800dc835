package jobargs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Encoder renders a configuration mapping as text for the renderer's defaults flag.
// Implementations must be deterministic, keep key order, and emit no newlines.
type Encoder interface {
	Encode(m *Mapping) (string, error)
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(m *Mapping) (string, error)

// Encode calls f(m).
func (f EncoderFunc) Encode(m *Mapping) (string, error) { return f(m) }

// JSONEncoder writes single-line JSON with ", " and ": " separators, the same
// shape the renderer's own JSON tooling prints without indentation.
type JSONEncoder struct{}

// Encode implements Encoder.
func (JSONEncoder) Encode(m *Mapping) (string, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, m); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case *Mapping:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		buf.WriteByte('{')
		for i, e := range t.entries {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeString(buf, e.Key); err != nil {
				return err
			}
			buf.WriteString(": ")
			if err := writeValue(buf, e.Value); err != nil {
				return fmt.Errorf("key %q: %w", e.Key, err)
			}
		}
		buf.WriteByte('}')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMapping()
		for _, k := range keys {
			m.Set(k, t[k])
		}
		return writeValue(buf, m)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeValue(buf, item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case string:
		return writeString(buf, t)
	case float64:
		buf.WriteString(formatFloat(t))
	case float32:
		buf.WriteString(formatFloat(float64(t)))
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode %T: %w", t, err)
		}
		buf.Write(data)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode string: %w", err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// formatFloat prints f the way the renderer's JSON tooling does: the shortest
// round-trip digits, always with a decimal point or exponent, and scientific
// notation outside [1e-4, 1e16). Non-finite values use the JavaScript names.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if f != 0 && (exp < -4 || exp >= 16) {
		return sci
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
