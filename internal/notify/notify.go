// Package notify sends single emails on behalf of the subscription flow and
// the delivery worker. A Notifier either succeeds or fails; failures are
// transient unless wrapped with ErrPermanent.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks a failure that retrying cannot fix, such as a rejected
// recipient address.
var ErrPermanent = errors.New("permanent delivery failure")

// Email is one message to one recipient.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Notifier sends one email synchronously.
type Notifier interface {
	Send(ctx context.Context, e Email) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Email) error

// Send calls f(ctx, e).
func (f NotifierFunc) Send(ctx context.Context, e Email) error { return f(ctx, e) }

// Permanent wraps err so IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }
