// Package store defines the message store contract for a chat room and
// provides two implementations: an in-process memory store and a remote
// client speaking the relay's websocket protocol.
package store

import (
	"context"
	"errors"
)

const (
	// SnapshotWindow is the maximum number of recent records a snapshot
	// carries. Snapshots are always a full replacement of the view, so
	// this also bounds the local message view.
	SnapshotWindow = 50

	// MaxBatchUpdate is the maximum number of field updates a single
	// BatchUpdate call may carry.
	MaxBatchUpdate = 5
)

// ErrNotFound is returned when a batch update targets a record that no
// longer exists, for example because it was deleted concurrently.
// Callers treat it as permanent: logged, never retried.
var ErrNotFound = errors.New("record not found")

// TransientError wraps an error that is likely temporary and safe to
// retry, such as a write against a dropped connection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should enter the degraded/retry
// cycle rather than surface a hard failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FieldUpdate addresses a single field of a single record. Field is a
// dotted path; the only path the relay accepts is "readBy.<session>",
// whose value is a unix-millisecond read timestamp.
type FieldUpdate struct {
	ID    string `json:"id"`
	Field string `json:"field"`
	Value int64  `json:"value"`
}

// RoomStore is the per-room message store contract. Append is durable
// and server-stamps the commit timestamp. Subscribe pushes the full
// ordered window (ascending createdAt, capped at SnapshotWindow) on
// every change, including once immediately on subscribe.
//
// ForceOffline and ForceOnline are transport controls used by the
// connection health monitor's recovery cycle; a store taken offline
// fails writes with a TransientError and delivers no snapshots until
// brought back online.
type RoomStore interface {
	Append(ctx context.Context, rec Record) (string, error)
	Subscribe(ctx context.Context, onSnapshot func([]Record), onError func(error)) (func(), error)
	BatchUpdate(ctx context.Context, updates []FieldUpdate) error
	FetchUpTo(ctx context.Context, n int) ([]Record, error)
	BatchDelete(ctx context.Context, ids []string) error
	ForceOffline()
	ForceOnline(ctx context.Context) error
}

// Directory resolves room identifiers to existence. Arbitrary
// (non-derived) room ids must be checked before joining.
type Directory interface {
	Exists(ctx context.Context, roomID string) (bool, error)
	Create(ctx context.Context, roomID string) error
}
