package bridge

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/fabric"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/transport"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsImmediatelyWithNoTargets(t *testing.T) {
	c := NewClient("broker-1", &fabric.BridgeConfig{}, nil, logr.Discard())

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with an empty dial plan")
	}
}

func TestConnectOnceExchangesIdentity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()

		if _, _, err := transport.ReadFrame(bufio.NewReader(nc)); err != nil {
			return
		}
		hello := codec.NewEvent("broker-2", "")
		raw, err := codec.Encode(hello)
		if err != nil {
			return
		}
		_ = transport.WriteFrame(nc, handshakeTopic, raw)
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	dispatcher := pipeline.New()
	server := transport.NewServer("broker-1", dispatcher, nil, logr.Discard())
	cfg := &fabric.BridgeConfig{Targets: []fabric.BridgeTarget{{Hostname: host, Port: uint32(port)}}}
	c := NewClient("broker-1", cfg, server, logr.Discard())

	conn, _, peerID, err := c.connectOnce(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "broker-2", peerID)

	<-peerDone
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	d := initialBackoff
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, maxBackoff, d)
}
