// Package daemon composes the two-hop relay: a relay client subscribed to
// the upstream registry whose every received event is re-published, without
// transformation, into the daemon's own broker.
package daemon

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/componentry/relay/internal/broker"
	"github.com/componentry/relay/internal/event"
	"github.com/componentry/relay/internal/relay"
)

// Options configures a Daemon.
type Options struct {
	Broker *broker.Broker
	Topic  string // outbound topic on the daemon's own broker
	Client relay.ClientOptions
	Logger *zap.Logger
}

// Daemon forwards upstream events into its own broker. It is a relay, not
// a terminal consumer: downstream renderers subscribe to the daemon's
// broker through its own connection manager.
type Daemon struct {
	broker   *broker.Broker
	topic    string
	client   *relay.Client
	logger   *zap.Logger
	received atomic.Uint64
}

// New wires a Daemon. The relay client's handler is owned by the daemon;
// any handler set on opts.Client is replaced.
func New(opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Daemon{
		broker: opts.Broker,
		topic:  opts.Topic,
		logger: opts.Logger.Named("daemon"),
	}
	opts.Client.Handler = d.forward
	d.client = relay.NewClient(opts.Client)
	return d
}

// Start connects the upstream relay client.
func (d *Daemon) Start(ctx context.Context) error {
	return d.client.Connect(ctx)
}

// Stop disconnects from the upstream registry. The daemon's own broker is
// owned by the hosting process and is closed separately.
func (d *Daemon) Stop() {
	d.client.Disconnect()
}

// Client exposes the upstream relay client, mainly for state inspection.
func (d *Daemon) Client() *relay.Client {
	return d.client
}

// Received reports how many events arrived from upstream since start.
func (d *Daemon) Received() uint64 {
	return d.received.Load()
}

// forward is the pass-through hop: one upstream event, one local publish.
func (d *Daemon) forward(ev event.Event) {
	d.received.Add(1)
	d.broker.Publish(d.topic, ev)
	d.logger.Debug("forwarded event",
		zap.String("event", ev.ID), zap.String("kind", string(ev.Kind)))
}
