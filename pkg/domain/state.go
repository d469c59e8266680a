package domain

import (
	"fmt"
	"strings"
)

// SessionStatus defines where a session's scheduler currently is.
type SessionStatus string

const (
	StatusEntry                SessionStatus = "entry"
	StatusRunning              SessionStatus = "running"
	StatusAwaitingConfirmation SessionStatus = "awaiting_confirmation"
	StatusDone                 SessionStatus = "done"
	StatusFailed               SessionStatus = "failed"
	StatusEnded                SessionStatus = "ended"
)

// Terminal reports whether no further step can run.
func (s SessionStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusEnded
}

// Confirmation is the ternary answer to a confirmation gate.
type Confirmation int

const (
	ConfirmUnknown Confirmation = iota
	ConfirmYes
	ConfirmNo
)

func (c Confirmation) String() string {
	switch c {
	case ConfirmYes:
		return "yes"
	case ConfirmNo:
		return "no"
	default:
		return "unknown"
	}
}

// ParseConfirmation maps a host supplied value onto a Confirmation.
// Anything that is not recognizably positive or negative is ConfirmUnknown.
func ParseConfirmation(v any) Confirmation {
	switch val := v.(type) {
	case nil:
		return ConfirmUnknown
	case Confirmation:
		return val
	case bool:
		if val {
			return ConfirmYes
		}
		return ConfirmNo
	case int:
		return parseConfirmationString(fmt.Sprint(val))
	case float64:
		return parseConfirmationString(fmt.Sprint(val))
	case string:
		return parseConfirmationString(val)
	default:
		return ConfirmUnknown
	}
}

func parseConfirmationString(s string) Confirmation {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1", "ok", "s", "sim":
		return ConfirmYes
	case "n", "no", "false", "0", "nao", "não":
		return ConfirmNo
	default:
		return ConfirmUnknown
	}
}
