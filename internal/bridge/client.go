// Package bridge dials the peer brokers a local broker's fabric position
// calls for and keeps those connections alive: no JSON-RPC handshake, just
// a self-identifying frame exchange, and the only long-lived state is the
// socket itself, since every other piece of bridge state (subscriptions,
// in-flight requests) lives in the dispatcher, not here.
package bridge

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/fabric"
	"github.com/dxlfabric/broker/internal/transport"
	"github.com/go-logr/logr"
)

const (
	dialTimeout    = 10 * time.Second
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	handshakeTopic = "/mcafee/event/dxl/bridge/hello"
)

// Client maintains one outbound connection per configured bridge target,
// dialing in priority/round-robin order per fabric.BridgeConfig and
// reconnecting with exponential backoff on failure or disconnect.
type Client struct {
	LocalBrokerID string
	Config        *fabric.BridgeConfig
	Server        *transport.Server
	Logger        logr.Logger

	// KeepAlive is the TCP keep-alive period applied to each dialed bridge
	// connection, sourced from the general policy file's keepAlive setting.
	// Zero leaves the net package's own default in effect.
	KeepAlive time.Duration
}

// NewClient builds a bridge Client for one computed dial plan.
func NewClient(localBrokerID string, cfg *fabric.BridgeConfig, server *transport.Server, logger logr.Logger) *Client {
	return &Client{LocalBrokerID: localBrokerID, Config: cfg, Server: server, Logger: logger}
}

// Run dials, maintains, and reconnects the bridge connection until ctx is
// canceled. It returns once canceled or once the dial plan has no targets.
func (c *Client) Run(ctx context.Context) {
	if c.Config == nil || len(c.Config.Targets) == 0 {
		return
	}

	idx := c.Config.InitialIndex
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		target := c.Config.Targets[idx%len(c.Config.Targets)]
		addr := fmt.Sprintf("%s:%d", target.Hostname, target.Port)

		conn, reader, peerID, err := c.connectOnce(ctx, addr)
		if err != nil {
			c.Logger.V(1).Info("bridge dial failed", "target", addr, "error", err.Error())
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			if c.Config.IsRoundRobin {
				idx++
			}
			continue
		}

		backoff = initialBackoff
		c.Logger.Info("bridge connected", "target", addr, "peer", peerID)

		bridgeConn := c.Server.AdoptBridgeConnection(peerID, conn, reader)
		waitForClose(ctx, bridgeConn, conn)

		if c.Config.IsRoundRobin {
			idx++
		}
	}
}

// connectOnce dials addr, exchanges identity frames, and returns the raw
// connection, the bufio.Reader its handshake read already consumed from,
// and the peer's broker id.
func (c *Client) connectOnce(ctx context.Context, addr string) (net.Conn, *bufio.Reader, string, error) {
	dialer := net.Dialer{Timeout: dialTimeout, KeepAlive: c.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, "", err
	}

	hello := codec.NewEvent(c.LocalBrokerID, "")
	raw, err := codec.Encode(hello)
	if err != nil {
		conn.Close()
		return nil, nil, "", err
	}
	if err := transport.WriteFrame(conn, handshakeTopic, raw); err != nil {
		conn.Close()
		return nil, nil, "", err
	}

	reader := bufio.NewReader(conn)
	topic, peerRaw, err := transport.ReadFrame(reader)
	if err != nil {
		conn.Close()
		return nil, nil, "", err
	}

	peerMsg, err := codec.Decode(peerRaw)
	if err != nil || peerMsg.SourceBrokerID == "" {
		conn.Close()
		return nil, nil, "", fmt.Errorf("bridge: peer at %s sent no broker identity", addr)
	}

	c.Server.IngestBridgeFrame(peerMsg.SourceBrokerID, topic, peerRaw)
	return conn, reader, peerMsg.SourceBrokerID, nil
}

// waitForClose blocks until conn closes on its own (read error, eviction)
// or ctx is canceled, in which case it forces the close itself.
func waitForClose(ctx context.Context, conn *transport.Connection, nc net.Conn) {
	closed := make(chan struct{})
	go func() {
		conn.WaitClosed()
		close(closed)
	}()

	select {
	case <-ctx.Done():
		nc.Close()
		<-closed
	case <-closed:
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
