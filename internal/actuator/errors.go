package actuator

import (
	"errors"
	"fmt"
)

// Kind classifies why the remote service rejected a submission.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindModerated
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate limited"
	case KindModerated:
		return "moderated"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Failure is the error an actuator returns when it can name the cause.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" {
		msg = f.Kind.String()
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

func RateLimited(msg string) error { return &Failure{Kind: KindRateLimited, Message: msg} }
func Moderated(msg string) error   { return &Failure{Kind: KindModerated, Message: msg} }
func Timeout(msg string) error     { return &Failure{Kind: KindTimeout, Message: msg} }

// Other wraps err as an unclassified failure.
func Other(msg string, err error) error {
	return &Failure{Kind: KindOther, Message: msg, Err: err}
}

// KindOf classifies any error. Errors that are not a *Failure are KindOther.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindOther
}
