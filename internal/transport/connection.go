package transport

import (
	"bufio"
	"net"
	"sync"

	"github.com/go-logr/logr"
)

// outboundQueueSize bounds each connection's pending-frame queue. A full
// queue is the "pre-insert-queue-full" condition the dispatcher's insert
// phase checks before delivering to a destination.
const outboundQueueSize = 256

type outboundFrame struct {
	topic   string
	payload []byte
}

// Connection is one accepted socket: identity plus a buffered outbound
// queue drained by a dedicated writer goroutine, so a slow reader on one
// connection never blocks delivery to any other.
type Connection struct {
	ID         string
	IsBridge   bool
	CertHashes []string
	TenantID   string

	netConn net.Conn
	reader  *bufio.Reader

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	outbox   chan outboundFrame
	logger   logr.Logger
	onClose  func(*Connection)
}

func newConnection(id string, nc net.Conn, logger logr.Logger, onClose func(*Connection)) *Connection {
	return newConnectionWithReader(id, nc, bufio.NewReader(nc), logger, onClose)
}

// newConnectionWithReader builds a Connection around an already-constructed
// bufio.Reader. The bridge dial path reads a handshake frame off the raw
// socket before a Connection exists and must hand that same reader in, so
// any bytes the reader already buffered past the handshake frame are not
// lost to a second, independent bufio.Reader.
func newConnectionWithReader(id string, nc net.Conn, reader *bufio.Reader, logger logr.Logger, onClose func(*Connection)) *Connection {
	c := &Connection{
		ID:       id,
		netConn:  nc,
		reader:   reader,
		outbox:   make(chan outboundFrame, outboundQueueSize),
		closedCh: make(chan struct{}),
		logger:   logger,
		onClose:  onClose,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for frame := range c.outbox {
		if err := writeFrame(c.netConn, frame.topic, frame.payload); err != nil {
			c.logger.V(1).Info("connection write failed", "connection", c.ID, "error", err.Error())
			c.Close()
			return
		}
	}
}

// QueueFull reports whether this connection's outbound queue is currently
// at capacity, the condition the insert phase checks per 4.J.
func (c *Connection) QueueFull() bool {
	return len(c.outbox) >= outboundQueueSize
}

// Enqueue queues a frame for delivery, returning false without blocking if
// the connection is closed or the queue is full.
func (c *Connection) Enqueue(topic string, payload []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.outbox <- outboundFrame{topic: topic, payload: payload}:
		return true
	default:
		return false
	}
}

// Close tears down the connection and its writer goroutine. Safe to call
// more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.outbox)
	close(c.closedCh)
	_ = c.netConn.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}

// WaitClosed blocks until the connection has been closed. Package bridge
// uses this to know when to redial.
func (c *Connection) WaitClosed() {
	<-c.closedCh
}
