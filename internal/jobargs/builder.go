package jobargs

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/multiplot/internal/log"
)

// DefaultFlag is the renderer option that receives the encoded config mapping.
const DefaultFlag = "--json-defaults"

// Builder merges per-slot config mappings and argument strings into job arguments.
type Builder struct {
	flag    string
	encoder Encoder
	logger  *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithFlag overrides the flag prepended to encoded config mappings.
func WithFlag(flag string) Option {
	return func(b *Builder) {
		if flag != "" {
			b.flag = flag
		}
	}
}

// WithEncoder replaces the mapping encoder.
func WithEncoder(enc Encoder) Option {
	return func(b *Builder) {
		if enc != nil {
			b.encoder = enc
		}
	}
}

// WithLogger sets the logger used for broadcast warnings.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a Builder using the JSON encoder and DefaultFlag.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		flag:    DefaultFlag,
		encoder: JSONEncoder{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.WithComponent("jobargs")
	}
	return b
}

// Build resolves one Argument per slot. The result has max(len(configs), len(args))
// entries; the shorter list is repeated cyclically from its start, and an empty
// list counts as absent in every slot.
func (b *Builder) Build(configs []*Mapping, args []*string) []Argument {
	n := max(len(configs), len(args))
	if len(configs) > 1 && len(configs) < n {
		b.logger.Warn("too few config mappings specified, repeating them", "have", len(configs), "want", n)
	}
	if len(args) > 1 && len(args) < n {
		b.logger.Warn("too few argument strings specified, repeating them", "have", len(args), "want", n)
	}

	configs = broadcast(configs, n)
	args = broadcast(args, n)

	out := make([]Argument, n)
	for i := range n {
		fragment := b.fragment(i, configs[i])
		arg := args[i]

		switch {
		case arg == nil:
			out[i] = fragment
		case fragment.IsNull():
			out[i] = Arg(*arg)
		default:
			out[i] = Arg(fragment.Text + " " + *arg)
		}
	}
	return out
}

func (b *Builder) fragment(slot int, cfg *Mapping) Argument {
	if cfg == nil {
		return Argument{}
	}
	text, err := b.encoder.Encode(cfg)
	if err != nil {
		b.logger.Error("failed to encode config mapping, using renderer defaults", "slot", slot, "error", err)
		return Argument{}
	}
	return Arg(fmt.Sprintf("%s \"%s\"", b.flag, strings.ReplaceAll(text, `"`, `'`)))
}

func broadcast[T any](items []T, n int) []T {
	out := make([]T, n)
	if len(items) == 0 {
		return out
	}
	for i := range out {
		out[i] = items[i%len(items)]
	}
	return out
}
