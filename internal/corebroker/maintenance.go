package corebroker

import (
	"context"
	"net"
	"time"

	"github.com/dxlfabric/broker/internal/events"
)

const defaultMaintenanceInterval = 30 * time.Second

// Run starts the transport server on ln, the bridge dial loop, and the
// maintenance ticker, blocking until ctx is canceled or the listener fails.
func (c *BrokerCore) Run(ctx context.Context, ln net.Listener) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- c.Transport.Serve(ctx, ln) }()

	go c.Bridge.Run(ctx)
	go c.runMaintenance(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	}
}

func (c *BrokerCore) runMaintenance(ctx context.Context) {
	interval := time.Duration(c.Config.MaintenanceIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	view := &revocationView{transport: c.Transport, localID: c.Config.BrokerID}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now, view)
		}
	}
}

// tick runs one maintenance pass: TTL expiry for peer brokers and service
// registrations, topic-cache housekeeping, a revocation-file flush when
// anything new has accumulated, and the periodic broker-state and
// broker-topics announcements.
func (c *BrokerCore) tick(now time.Time, view *revocationView) {
	for _, brokerID := range c.Registry.RunMaintenance(now) {
		c.Logger.Info("evicted broker past ttl", "brokerId", brokerID)
	}

	for _, reg := range c.Services.RunMaintenance(now) {
		if evt, err := events.NewServiceUnregisterEvent(c.Config.BrokerID, reg.ServiceID); err == nil {
			c.Transport.Emit(evt)
		}
	}

	c.TopicCache.Tick(now.Unix())

	if c.Revocation.HasPending() && c.Config.RevocationFile != "" {
		c.Workers.Submit(func() {
			if err := c.Revocation.Flush(c.Config.RevocationFile, view); err != nil {
				c.Logger.V(1).Info("revocation flush failed", "error", err.Error())
			}
		})
	}

	c.emitBrokerState()
	c.emitBrokerTopics()
}

func (c *BrokerCore) emitBrokerState() {
	state, ok := c.Registry.GetState(c.Config.BrokerID)
	if !ok {
		return
	}
	peers := make([]string, 0, len(state.Peers))
	for p := range state.Peers {
		peers = append(peers, p)
	}

	st := events.BrokerState{
		BrokerID:        c.Config.BrokerID,
		Hostname:        c.Config.Hostname,
		Port:            int(c.Config.Port),
		ConnectedPeers:  peers,
		ClientCount:     len(c.Transport.ClientIDs()),
		ServiceZone:     c.Config.Zone,
		TopicRoutingOn:  state.TopicRoutingEnabled,
		TestModeEnabled: c.TestMode.Load(),
	}
	if evt, err := events.NewBrokerStateEvent(c.Config.BrokerID, st); err == nil {
		c.Transport.Emit(evt)
	}
}

// emitBrokerTopics re-batches the local broker's full topic set through
// registry.BatchTopics and emits one broker/topics event per batch, Start
// set on the first and End on the last so a receiver can tell when it has
// the complete set.
func (c *BrokerCore) emitBrokerTopics() {
	var batches [][]string
	c.Registry.BatchTopics(c.Config.BrokerID, topicCharBudget, func(batch []string) {
		batches = append(batches, batch)
	})

	for i, batch := range batches {
		b := events.BrokerTopics{
			BrokerID: c.Config.BrokerID,
			Topics:   batch,
			Start:    i == 0,
			End:      i == len(batches)-1,
		}
		if evt, err := events.NewBrokerTopicsEvent(c.Config.BrokerID, b); err == nil {
			c.Transport.Emit(evt)
		}
	}
}
