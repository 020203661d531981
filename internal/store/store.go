// Package store defines the path-addressed realtime key-value store the
// collaboration core runs on, plus the value helpers shared by its backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed      = errors.New("store: connection closed")
	ErrInvalidPath = errors.New("store: invalid path")
)

// Store is a connection to a realtime key-value service. Values are JSON
// documents addressed by slash separated paths. Writes are unconditional
// overwrites of the subtree they target.
//
// Subscribers receive the value at the watched path once on subscribe and
// then once for every write that touches the path or anything below or above
// it, in write order.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	// Update merges fields into the value at path. Keys may themselves be
	// relative paths.
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
	// OnDisconnectRemove asks the store to remove path when this connection
	// is lost without the registration being cancelled first.
	OnDisconnectRemove(ctx context.Context, path string) error
	CancelOnDisconnect(ctx context.Context, path string) error
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}

type Snapshot struct {
	Path   string
	Value  any
	Exists bool
}

// Decode unmarshals the snapshot value into dst.
func (s Snapshot) Decode(dst any) error {
	raw, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func NewSnapshot(path string, v any) Snapshot {
	return Snapshot{Path: path, Value: v, Exists: v != nil}
}

// SubscriptionFunc adapts a plain function to the Subscription interface.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}
