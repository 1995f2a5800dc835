package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/multiplot/internal/jobargs"
)

// Slots resolves the untyped job inputs into explicit per-slot lists:
//   - a missing key or null becomes a single absent element
//   - a single mapping (configs) or a single string (args) becomes one element;
//     strings are never split into characters
//   - a sequence is taken element by element, with null elements kept as absent
func (j *JobsConfig) Slots() ([]*jobargs.Mapping, []*string, error) {
	configs, err := configList(&j.Configs)
	if err != nil {
		return nil, nil, err
	}
	args, err := argList(&j.Args)
	if err != nil {
		return nil, nil, err
	}
	return configs, args, nil
}

func configList(n *yaml.Node) ([]*jobargs.Mapping, error) {
	r := jobargs.ResolveNode(n)
	if r == nil || r.Kind == 0 || isNull(r) {
		return []*jobargs.Mapping{nil}, nil
	}

	switch r.Kind {
	case yaml.MappingNode:
		m, err := jobargs.MappingFromYAML(r)
		if err != nil {
			return nil, fmt.Errorf("jobs.configs: %w", err)
		}
		return []*jobargs.Mapping{m}, nil

	case yaml.SequenceNode:
		out := make([]*jobargs.Mapping, 0, len(r.Content))
		for i, item := range r.Content {
			item = jobargs.ResolveNode(item)
			if item == nil || isNull(item) {
				out = append(out, nil)
				continue
			}
			if item.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("jobs.configs[%d]: expected mapping or null, got %s", i, jobargs.KindName(item))
			}
			m, err := jobargs.MappingFromYAML(item)
			if err != nil {
				return nil, fmt.Errorf("jobs.configs[%d]: %w", i, err)
			}
			out = append(out, m)
		}
		return out, nil
	}

	return nil, fmt.Errorf("jobs.configs: expected mapping, sequence or null, got %s", jobargs.KindName(r))
}

func argList(n *yaml.Node) ([]*string, error) {
	r := jobargs.ResolveNode(n)
	if r == nil || r.Kind == 0 || isNull(r) {
		return []*string{nil}, nil
	}

	switch r.Kind {
	case yaml.ScalarNode:
		return []*string{jobargs.Str(r.Value)}, nil

	case yaml.SequenceNode:
		out := make([]*string, 0, len(r.Content))
		for i, item := range r.Content {
			item = jobargs.ResolveNode(item)
			if item == nil || isNull(item) {
				out = append(out, nil)
				continue
			}
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("jobs.args[%d]: expected string or null, got %s", i, jobargs.KindName(item))
			}
			out = append(out, jobargs.Str(item.Value))
		}
		return out, nil
	}

	return nil, fmt.Errorf("jobs.args: expected string, sequence or null, got %s", jobargs.KindName(r))
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}
