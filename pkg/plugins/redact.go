package plugins

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
	"github.com/mohae/deepcopy"
)

// Mask replaces every redacted value.
const Mask = "***"

type redactor struct {
	next     ports.Plugin
	patterns []*regexp.Regexp
}

// Redact wraps next so that payload values whose key matches any pattern
// reach it masked. The event seen by other plugins is untouched.
func Redact(next ports.Plugin, patterns []string) (ports.Plugin, error) {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		compiled[i] = re
	}
	return &redactor{next: next, patterns: compiled}, nil
}

func (r *redactor) HandleEvent(ctx context.Context, event domain.RuntimeEvent) error {
	if len(event.Payload) > 0 {
		payload, _ := deepcopy.Copy(event.Payload).(map[string]any)
		maskMap(payload, r.patterns)
		event.Payload = payload
	}
	return r.next.HandleEvent(ctx, event)
}

// Close forwards to the wrapped plugin.
func (r *redactor) Close() error {
	if c, ok := r.next.(ports.Closer); ok {
		return c.Close()
	}
	return nil
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		if matchAny(k, patterns) {
			m[k] = Mask
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			maskMap(val, patterns)
		case []any:
			for _, item := range val {
				if sub, ok := item.(map[string]any); ok {
					maskMap(sub, patterns)
				}
			}
		}
	}
}

func matchAny(key string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
