package lock

import (
	"context"
	"sync"
)

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (context.Context, Release, error) {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	lockCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	return lockCtx, func() {
		once.Do(func() {
			cancel()
			<-s
		})
	}, nil
}
