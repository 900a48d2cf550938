package server

import (
	"context"
	"log"
)

// Notifier is the handle handed to anything that changes vote state.
type Notifier interface {
	Notify(pollId string)
}

// Relay fans a notification out to sibling process instances. Implementations
// must loop a published poll id back to this instance's handler.
type Relay interface {
	Publish(ctx context.Context, pollId string) error
}

// Dispatcher triggers tally broadcasts for a poll. It is constructed once at
// startup and passed by handle to the HTTP handlers and live connections,
// never looked up through package globals.
type Dispatcher struct {
	ps    *PollServer
	relay Relay
	log   *log.Logger
}

// NewDispatcher creates a dispatcher for the given server. relay may be nil
// for single-instance deployments.
func NewDispatcher(ps *PollServer, relay Relay, logger *log.Logger) *Dispatcher {
	return &Dispatcher{ps: ps, relay: relay, log: logger}
}

// AttachRelay wires a relay in after construction. Called once during
// startup, before the dispatcher is shared, to break the construction cycle
// between dispatcher and relay.
func (d *Dispatcher) AttachRelay(relay Relay) {
	d.relay = relay
}

// Notify marks a poll's tally as changed. With a relay configured the signal
// travels through it so every instance, this one included, re-reads the store
// and pushes to its local members. Without one, or if publishing fails, the
// local room is signalled directly.
func (d *Dispatcher) Notify(pollId string) {
	if d.relay != nil {
		if err := d.relay.Publish(context.Background(), pollId); err == nil {
			return
		} else {
			d.log.Println("relay publish:", err)
		}
	}

	d.NotifyLocal(pollId)
}

// NotifyLocal signals the local room for a poll, if one is live. Used as the
// relay's delivery handler.
func (d *Dispatcher) NotifyLocal(pollId string) {
	d.ps.markDirty(pollId)
}
