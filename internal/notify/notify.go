// Package notify turns prescription state changes into addressed events and
// hands them to a Notifier without making the caller wait.
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
)

// Notifier delivers one event to each recipient. Implementations own the
// transport; the dispatcher never retries them.
type Notifier interface {
	Notify(ctx context.Context, recipients []prescription.ActorRef, event prescription.Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipients []prescription.ActorRef, event prescription.Event) error

func (f NotifierFunc) Notify(ctx context.Context, recipients []prescription.ActorRef, event prescription.Event) error {
	return f(ctx, recipients, event)
}

// Multi delivers through every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, recipients []prescription.ActorRef, event prescription.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipients, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a logger. Useful in development and as the
// last member of a Multi.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, recipients []prescription.ActorRef, event prescription.Event) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, r := range recipients {
		logger.Info("notification",
			zap.String("event_type", string(event.Type)),
			zap.String("recipient", r.ID),
			zap.String("recipient_role", string(r.Role)),
			zap.String("prescription_id", event.Metadata.PrescriptionID),
			zap.String("message", event.Message))
	}
	return nil
}

// Recorder keeps every delivered event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []prescription.Event
}

func (r *Recorder) Notify(_ context.Context, recipients []prescription.ActorRef, event prescription.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, to := range recipients {
		r.events = append(r.events, event.To(to))
	}
	return nil
}

// Events returns a copy of the recorded events, one per recipient.
func (r *Recorder) Events() []prescription.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]prescription.Event(nil), r.events...)
}
