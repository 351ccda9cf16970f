package xmpp

import (
	"errors"
	"fmt"
)

var (
	ErrJIDParse = errors.New("xmpp: invalid jid")
	ErrClosed   = errors.New("xmpp: client closed")
)

// AuthError is returned when the login fails after the SASL exchange has
// started. Err is the failure reported by the negotiation.
type AuthError struct {
	Condition string
	Text      string
	Err       error
}

func (e *AuthError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("xmpp: authentication failed: %s (%s)", e.Condition, e.Text)
	}
	return "xmpp: authentication failed: " + e.Condition
}

func (e *AuthError) Unwrap() error { return e.Err }

// StreamError is a stream-level error sent by the server before it closes
// the stream.
type StreamError struct {
	Condition string
	Text      string
}

func (e *StreamError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("xmpp: stream error: %s (%s)", e.Condition, e.Text)
	}
	return "xmpp: stream error: " + e.Condition
}

// conditionOf returns the local name of the first child that is not <text/>.
func conditionOf(el *Element) (cond, text string) {
	if el == nil {
		return "undefined-condition", ""
	}
	for _, c := range el.Children {
		if c.Name.Local == "text" {
			text = c.Text
			continue
		}
		if cond == "" {
			cond = c.Name.Local
		}
	}
	if cond == "" {
		cond = "undefined-condition"
	}
	return cond, text
}
