// Package health defines the ConnectionHealthObserver capability (spec
// §6): an external source of truth for per-channel health that the session
// manager subscribes to, filtered to the statuses that matter for
// recovery.
package health

import (
	"context"
	"time"

	"github.com/ecliptix-labs/securecore"
)

// Update is one health observation for a channel.
type Update struct {
	ConnectId securecore.ConnectId
	Status    securecore.HealthStatus
	At        time.Time
}

// Observer is the ConnectionHealthObserver capability: a subscription
// stream filtered to {Failed, Unhealthy}, the two statuses the Session
// Manager reacts to (§6).
type Observer interface {
	// Subscribe delivers Updates for ConnectId transitions into Failed or
	// Unhealthy until ctx is cancelled, at which point the channel
	// returned is closed.
	Subscribe(ctx context.Context) <-chan Update
}

// channelObserver is a trivial in-process Observer backed by a channel,
// suitable for tests and for composing with an external health source
// that pushes updates via Publish.
type channelObserver struct {
	updates chan Update
}

// NewChannelObserver constructs an Observer whose updates are fed by
// Publish. Buffered to bufSize so a slow subscriber does not stall
// publishers.
func NewChannelObserver(bufSize int) (*channelObserver, *Publisher) {
	o := &channelObserver{updates: make(chan Update, bufSize)}
	return o, &Publisher{updates: o.updates}
}

func (o *channelObserver) Subscribe(ctx context.Context) <-chan Update {
	out := make(chan Update, cap(o.updates))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-o.updates:
				if !ok {
					return
				}
				if u.Status != securecore.HealthFailed && u.Status != securecore.HealthUnhealthy {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Publisher is the write side of a channelObserver.
type Publisher struct {
	updates chan Update
}

// Publish reports a health transition. It is non-blocking; an update is
// dropped if the internal buffer is full, matching the "fire and forget"
// nature of the external observer contract.
func (p *Publisher) Publish(u Update) {
	select {
	case p.updates <- u:
	default:
	}
}
