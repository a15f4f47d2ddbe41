// Package lock serializes compactions of the same source path.
package lock

import (
	"context"

	"github.com/zhangyunhao116/skipmap"
)

// Locker acquires an exclusive lock on key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Local serializes callers inside one process.
type Local struct {
	slots *skipmap.OrderedMap[string, chan struct{}]
}

func NewLocal() *Local {
	return &Local{slots: skipmap.New[string, chan struct{}]()}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	slot, _ := l.slots.LoadOrStore(key, make(chan struct{}, 1))
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Nop hands out locks that exclude nothing.
type Nop struct{}

func (Nop) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
