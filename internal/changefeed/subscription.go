package changefeed

import (
	"context"
	"sync"
)

// Update is one full-snapshot replacement. A non-nil Err ends the
// subscription; recovery is a new Subscribe.
type Update[T any] struct {
	Rows []T
	Err  error
}

// FetchFunc loads the full row set a subscription covers.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// Subscription re-fetches its rows whenever the hub signals a change.
type Subscription[T any] struct {
	updates chan Update[T]
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Subscribe starts a subscription for one user's table. The listener is
// registered before the first fetch, so no change committed after Subscribe
// returns can be missed.
func Subscribe[T any](ctx context.Context, hub *Hub, userID string, table Table, fetch FetchFunc[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		updates: make(chan Update[T]),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	signal, stop := hub.Listen(userID, table)
	go s.run(ctx, signal, stop, fetch)
	return s
}

func (s *Subscription[T]) run(ctx context.Context, signal <-chan struct{}, stop func(), fetch FetchFunc[T]) {
	defer close(s.done)
	defer close(s.updates)
	defer stop()

	for {
		rows, err := fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case s.updates <- Update[T]{Rows: rows, Err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return
		}
	}
}

// Updates returns the snapshot channel. It is closed when the subscription
// ends.
func (s *Subscription[T]) Updates() <-chan Update[T] {
	return s.updates
}

// Close cancels the subscription and waits until its goroutine has exited
// and its listener is removed.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
