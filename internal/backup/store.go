// Package backup persists violation logs locally so evidence survives a
// reload, a crash or a network outage. Entries stay until the attempt has
// reached an acknowledged terminal state.
package backup

import (
	"context"
	"errors"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrClosed is returned by a store used after Close.
var ErrClosed = errors.New("backup store closed")

// Store is a per-attempt append-only log with a delivered mark.
// Appending an entry whose ID is already present is a no-op.
type Store interface {
	Append(ctx context.Context, attemptID string, v model.ViolationLog) error
	// Load returns the attempt's entries in append order.
	Load(ctx context.Context, attemptID string) ([]model.ViolationLog, error)
	MarkDelivered(ctx context.Context, attemptID string, ids ...string) error
	Clear(ctx context.Context, attemptID string) error
	Close() error
}

// Undelivered filters entries the server has not acknowledged.
func Undelivered(logs []model.ViolationLog) []model.ViolationLog {
	out := make([]model.ViolationLog, 0, len(logs))
	for _, v := range logs {
		if !v.Delivered {
			out = append(out, v)
		}
	}
	return out
}
