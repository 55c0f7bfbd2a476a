package chat

import (
	"context"

	"github.com/pkg/errors"
)

// ErrStopped is returned by publishers that have been shut down.
var ErrStopped = errors.New("publisher stopped")

// Broker carries events from the dispatcher to topic subscribers. A broker
// may span nodes; it must deliver each event to local subscribers once.
type Broker interface {
	Publish(ctx context.Context, topic string, ev *Event) error
	Close() error
}

// LocalBroker delivers straight into this process's fan-out.
type LocalBroker struct {
	fanout *Fanout
}

func NewLocalBroker(f *Fanout) *LocalBroker {
	return &LocalBroker{fanout: f}
}

func (b *LocalBroker) Publish(ctx context.Context, topic string, ev *Event) error {
	return b.fanout.Publish(ctx, topic, ev)
}

func (b *LocalBroker) Close() error { return nil }
