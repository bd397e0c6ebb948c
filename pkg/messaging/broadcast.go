package messaging

import (
	"errors"

	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/registry"
	"github.com/go-drift/multidoc/pkg/scheduler"
	"github.com/go-drift/multidoc/pkg/viewer"
)

// Target is a document that can receive broadcasts.
type Target interface {
	registry.Member
	// Transport returns the document's viewer transport.
	Transport() viewer.Transport
}

// Broadcaster fans document broadcasts out to the other documents of a
// registry.
type Broadcaster[T Target] struct {
	reg   *registry.Registry[T]
	sched scheduler.Scheduler

	// OnDeliver, if set, is called after each delivery attempt.
	OnDeliver func(target T, err error)
}

// NewBroadcaster returns a broadcaster over reg.
func NewBroadcaster[T Target](reg *registry.Registry[T], sched scheduler.Scheduler) *Broadcaster[T] {
	return &Broadcaster[T]{reg: reg, sched: sched}
}

// Broadcast purges disconnected documents, then schedules one delivery of
// data to every registered document except sender. Each target receives its
// own copy of data. It returns the number of deliveries scheduled.
func (b *Broadcaster[T]) Broadcast(sender T, data any) int {
	b.reg.PurgeDisconnected()
	targets := b.reg.BroadcastTargets(sender)
	for _, target := range targets {
		payload := data
		if cp, err := viewer.Copy(data); err == nil {
			payload = cp
		}
		b.sched.Delay(func() {
			_, err := target.Transport().ReceiveMessage(viewer.MessageBroadcast, payload, false)
			if err != nil && !errors.Is(err, viewer.ErrClosed) {
				mderrors.Report(&mderrors.DocError{
					Op:   "messaging.broadcast",
					Kind: mderrors.KindTransport,
					Err:  err,
				})
			}
			if b.OnDeliver != nil {
				b.OnDeliver(target, err)
			}
		}, 0)
	}
	return len(targets)
}
