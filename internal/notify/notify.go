// Package notify defines the outbound push boundary.
package notify

import (
	"context"
	"errors"
)

// ErrDisabled is returned by senders that have no delivery endpoint
// configured. Callers treat it as "nothing went out", not as a failure.
var ErrDisabled = errors.New("notify: no push endpoint configured")

// Sender delivers one rendered notification body.
type Sender interface {
	Send(ctx context.Context, text string) error
}
