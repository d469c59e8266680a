// Package input cleans text arriving from hosts before it reaches session
// state.
package input

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxSize caps a single string value, in bytes.
const DefaultMaxSize = 4096

var (
	ErrTooLarge    = errors.New("input exceeds maximum allowed size")
	ErrInvalidUTF8 = errors.New("input contains invalid UTF-8 sequences")
)

// Sanitizer enforces a size limit, validates UTF-8 and strips control
// characters other than newline, tab and carriage return.
type Sanitizer struct {
	MaxSize int
}

// New returns a sanitizer with the given limit. A limit <= 0 uses
// DefaultMaxSize.
func New(maxSize int) *Sanitizer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Sanitizer{MaxSize: maxSize}
}

// String cleans one value. Oversized input is rejected, never truncated.
func (s *Sanitizer) String(in string) (string, error) {
	if len(in) > s.MaxSize {
		return "", fmt.Errorf("%w: size=%d limit=%d", ErrTooLarge, len(in), s.MaxSize)
	}
	if !utf8.ValidString(in) {
		return "", ErrInvalidUTF8
	}

	clean := true
	for _, r := range in {
		if unicode.IsControl(r) && !isSafeControl(r) {
			clean = false
			break
		}
	}
	if clean {
		return in, nil
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		if !unicode.IsControl(r) || isSafeControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// Payload cleans every string in a message payload, keys included,
// descending into nested maps and slices. The input is not modified.
func (s *Sanitizer) Payload(in map[string]any) (map[string]any, error) {
	out, err := s.value("", in)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func (s *Sanitizer) value(path string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		clean, err := s.String(val)
		if err != nil && path != "" {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return clean, err
	case map[string]any:
		if val == nil {
			return val, nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			key, err := s.String(k)
			if err != nil {
				return nil, err
			}
			cleaned, err := s.value(join(path, key), item)
			if err != nil {
				return nil, err
			}
			out[key] = cleaned
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			cleaned, err := s.value(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	default:
		return v, nil
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func isSafeControl(r rune) bool {
	return r == '\n' || r == '\t' || r == '\r'
}
