package sfu

import (
	"errors"
	"fmt"
)

// Kind classifies session failures.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindServerRejected
	KindResourceUnavailable
	KindCapability
	KindTransportCreation
	KindTransientChannel
	KindFatalChannelLoss
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "no response"
	case KindServerRejected:
		return "server rejected"
	case KindResourceUnavailable:
		return "resource unavailable"
	case KindCapability:
		return "capability error"
	case KindTransportCreation:
		return "transport creation failed"
	case KindTransientChannel:
		return "channel error"
	case KindFatalChannelLoss:
		return "channel lost"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrNoResponse              = errors.New("no response from server")
	ErrServerRejected          = errors.New("server rejected request")
	ErrTransportUnavailable    = errors.New("transport unavailable")
	ErrDeviceNotLoaded         = errors.New("device not loaded")
	ErrCapability              = errors.New("router capabilities unavailable")
	ErrTransportCreationFailed = errors.New("transport creation failed")
	ErrChannelUnavailable      = errors.New("signaling channel not connected")
	ErrNoRoom                  = errors.New("no room")
	ErrTransportsReset         = errors.New("transports reset during creation")
	ErrSessionClosed           = errors.New("session closed")
)

// Error is what every Session operation fails with. A server rejection keeps
// the server's message as the whole error text.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func unavailable(op string, err error) *Error {
	return &Error{Kind: KindResourceUnavailable, Op: op, Err: err}
}

func rejected(op, message string) *Error {
	if message == "" {
		message = op + ": " + ErrServerRejected.Error()
	}
	return &Error{Kind: KindServerRejected, Op: op, Message: message, Err: ErrServerRejected}
}
