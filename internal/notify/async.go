package notify

import (
	"context"
	"log/slog"
)

type message struct {
	event, title, body string
}

// Async queues notifications for a background worker so callers on the
// tick path never wait on Telegram or Discord. When the queue is full the
// notification is dropped and logged.
type Async struct {
	next  *Notifier
	queue chan message
	log   *slog.Logger
}

// NewAsync wraps n with a queue of the given size.
func NewAsync(n *Notifier, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	return &Async{
		next:  n,
		queue: make(chan message, size),
		log:   logger.With(slog.String("component", "notify_async")),
	}
}

// Notify enqueues the notification. It never blocks and never fails.
func (a *Async) Notify(_ context.Context, event, title, body string) error {
	select {
	case a.queue <- message{event: event, title: title, body: body}:
	default:
		a.log.Warn("notification dropped, queue full",
			slog.String("event", event),
			slog.String("title", title),
		)
	}
	return nil
}

// Run delivers queued notifications until ctx is cancelled, then drains
// what is left with a fresh context.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case m := <-a.queue:
			_ = a.next.Notify(ctx, m.event, m.title, m.body)
		case <-ctx.Done():
			a.drain()
			return nil
		}
	}
}

func (a *Async) drain() {
	ctx := context.Background()
	for {
		select {
		case m := <-a.queue:
			_ = a.next.Notify(ctx, m.event, m.title, m.body)
		default:
			return
		}
	}
}
