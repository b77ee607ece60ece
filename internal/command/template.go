// Package command holds the command template that is run for each matching
// event and the collaborator that runs it.
package command

import (
	"errors"
	"strings"
)

// Placeholder is replaced by the triggering path.
const Placeholder = "{}"

// ErrEmptyCommand is returned when a template has no program to run.
var ErrEmptyCommand = errors.New("empty command")

// Policy selects how Placeholder is substituted.
type Policy int

const (
	// PolicyInline replaces every occurrence of {} inside each argument.
	// A backslash directly before {} keeps it literal and is dropped.
	PolicyInline Policy = iota
	// PolicyWholeToken replaces only arguments that are exactly {}.
	PolicyWholeToken
)

func (p Policy) String() string {
	switch p {
	case PolicyInline:
		return "inline"
	case PolicyWholeToken:
		return "whole-token"
	default:
		return "unknown"
	}
}

// Template is an immutable argument vector containing placeholders.
type Template struct {
	args   []string
	policy Policy
}

// NewTemplate copies args into a template substituted with policy.
func NewTemplate(args []string, policy Policy) (Template, error) {
	if len(args) == 0 || args[0] == "" {
		return Template{}, ErrEmptyCommand
	}
	return Template{
		args:   append([]string(nil), args...),
		policy: policy,
	}, nil
}

// Policy returns the substitution policy of the template.
func (t Template) Policy() Policy {
	return t.policy
}

// Args returns a copy of the unsubstituted arguments.
func (t Template) Args() []string {
	return append([]string(nil), t.args...)
}

// Expand returns a fresh argument vector with path substituted. The template
// itself is never modified.
func (t Template) Expand(path string) []string {
	out := make([]string, len(t.args))
	for i, arg := range t.args {
		switch t.policy {
		case PolicyWholeToken:
			if arg == Placeholder {
				out[i] = path
			} else {
				out[i] = arg
			}
		default:
			out[i] = substitute(arg, path)
		}
	}
	return out
}

// substitute applies the inline policy to a single argument.
func substitute(arg, path string) string {
	if !strings.Contains(arg, Placeholder) {
		return arg
	}

	var b strings.Builder
	b.Grow(len(arg) + len(path))
	for i := 0; i < len(arg); {
		switch {
		case arg[i] == '\\' && strings.HasPrefix(arg[i+1:], Placeholder):
			b.WriteString(Placeholder)
			i += 1 + len(Placeholder)
		case strings.HasPrefix(arg[i:], Placeholder):
			b.WriteString(path)
			i += len(Placeholder)
		default:
			b.WriteByte(arg[i])
			i++
		}
	}
	return b.String()
}
