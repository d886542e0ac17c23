package transport

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"

	"github.com/dxlfabric/broker/internal/authz"
	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/handlers"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// queueFullExemptPrefixes are let through a full destination queue even
// though the destination would otherwise reject delivery (4.J): insertOne
// also exempts bridge destinations and non-DXL payloads; these are the
// topic-shape exemptions.
var queueFullExemptPrefixes = []string{
	"/mcafee/client/",
	"/mcafee/event/dxl/broker/",
	"/mcafee/request/dxl/broker/",
}

// Server owns the accepted connection table and drives every inbound frame
// through the dispatcher's four phases. It implements every collaborator
// interface package handlers needs (ReplySender, EventEmitter, Directory,
// ClientEnumerator) plus revocation.TransportView, so corebroker can wire a
// single value into all five roles.
type Server struct {
	LocalBrokerID string
	Dispatcher    *pipeline.Dispatcher
	CertSource    CertificateSource
	Logger        logr.Logger

	mu       sync.RWMutex
	conns    map[string]*Connection
	listener net.Listener
}

// NewServer builds a Server ready to Serve. corebroker registers this value
// as handlers.Deps.Reply/Emit/Principals/Clients and as the
// revocation.Store's TransportView before starting it.
func NewServer(localBrokerID string, dispatcher *pipeline.Dispatcher, certSource CertificateSource, logger logr.Logger) *Server {
	if certSource == nil {
		certSource = TLSCertificateSource{}
	}
	return &Server{
		LocalBrokerID: localBrokerID,
		Dispatcher:    dispatcher,
		CertSource:    certSource,
		Logger:        logger,
		conns:         map[string]*Connection{},
	}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
// Each connection runs its read loop on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleAccepted(nc)
	}
}

func (s *Server) handleAccepted(nc net.Conn) {
	certHashes := s.CertSource.CertHashesFor(nc)
	conn := newConnection("", nc, s.Logger, s.forget)
	conn.CertHashes = certHashes

	topic, raw, err := readFrame(conn.reader)
	if err != nil {
		conn.Close()
		return
	}

	id, isBridge := identityFrom(raw)
	if id == "" {
		s.Logger.V(1).Info("rejecting connection with no source identity on first frame")
		conn.Close()
		return
	}
	conn.ID = id
	conn.IsBridge = isBridge
	s.adopt(conn)

	s.dispatchInbound(conn, topic, raw)
	s.readLoop(conn)
}

// identityFrom decodes just enough of the first frame to learn who is on
// the other end of the wire: a broker id means a bridge peer, a client id
// means an ordinary client. A frame that fails to decode carries no usable
// identity, so the connection is rejected rather than guessed at.
func identityFrom(raw []byte) (id string, isBridge bool) {
	msg, err := codec.Decode(raw)
	if err != nil {
		return "", false
	}
	if msg.SourceBrokerID != "" {
		return msg.SourceBrokerID, true
	}
	return msg.SourceClientID, false
}

func (s *Server) adopt(conn *Connection) {
	s.mu.Lock()
	if existing, ok := s.conns[conn.ID]; ok {
		s.mu.Unlock()
		existing.Close()
		s.mu.Lock()
	}
	s.conns[conn.ID] = conn
	s.mu.Unlock()
}

func (s *Server) forget(conn *Connection) {
	s.mu.Lock()
	if s.conns[conn.ID] == conn {
		delete(s.conns, conn.ID)
	}
	s.mu.Unlock()
}

func (s *Server) readLoop(conn *Connection) {
	for {
		topic, raw, err := readFrame(conn.reader)
		if err != nil {
			conn.Close()
			return
		}
		s.dispatchInbound(conn, topic, raw)
	}
}

func (s *Server) dispatchInbound(conn *Connection, topic string, raw []byte) {
	s.dispatch(topic, raw, pipeline.SourcePrincipal{
		ClientID:   conn.ID,
		CertHashes: conn.CertHashes,
		IsBridge:   conn.IsBridge,
		IsLocal:    false,
	})
}

// dispatch drives one frame through Publish, Store, InsertPerDestination
// (for every currently known connection) and Finalize.
func (s *Server) dispatch(topic string, raw []byte, principal pipeline.SourcePrincipal) {
	pubCtx := pipeline.WithSourcePrincipal(context.Background(), principal)

	if !s.Dispatcher.Publish(pubCtx, topic, raw) {
		return
	}

	pctx := s.Dispatcher.Store(pubCtx, topic, raw, principal.IsBridge, codec.Decode)
	pctx.Local = principal.IsLocal

	if pctx.InsertEnabled {
		for _, dest := range s.destinationCandidates() {
			s.insertOne(pubCtx, pctx, dest)
		}
	}

	s.Dispatcher.Finalize(pubCtx, pctx)
}

func (s *Server) insertOne(pubCtx context.Context, pctx *pipeline.Context, destination string) {
	conn, ok := s.connFor(destination)
	if !ok {
		return
	}

	queueFull := conn.QueueFull()
	exempt := conn.IsBridge || !pctx.IsDxlMessage() || hasAnyPrefix(pctx.Topic, queueFullExemptPrefixes)

	accepted := s.Dispatcher.InsertPerDestination(pubCtx, pctx, destination, queueFull, exempt, func() {
		if msg, ok := pctx.Message(); ok {
			s.SendError(msg, handlers.ErrServiceOverloaded, "destination queue is full")
		}
	})
	if !accepted {
		return
	}

	payload := pctx.RawPayload
	if msg, ok := pctx.Message(); ok && msg.Dirty() {
		encoded, err := codec.Encode(msg)
		if err != nil {
			s.Logger.V(1).Info("dropping frame that failed re-encode", "error", err.Error())
			return
		}
		payload = encoded
	}
	conn.Enqueue(pctx.Topic, payload)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func (s *Server) connFor(id string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) destinationCandidates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// AdoptBridgeConnection registers an outbound bridge connection (dialed by
// package bridge) into this server's connection table, so it is reachable
// as an insert-phase destination and so inbound frames from the peer flow
// through the same dispatch path as client connections. reader is the
// bufio.Reader the dialer already used to read the peer's handshake frame,
// reused here rather than discarded so no buffered bytes are lost.
func (s *Server) AdoptBridgeConnection(peerBrokerID string, nc net.Conn, reader *bufio.Reader) *Connection {
	conn := newConnectionWithReader(peerBrokerID, nc, reader, s.Logger, s.forget)
	conn.IsBridge = true
	s.adopt(conn)
	go s.readLoop(conn)
	return conn
}

// IngestBridgeFrame drives a frame already read off a bridge connection
// through the dispatch pipeline, attributing it to peerBrokerID. The bridge
// dial path uses this for the handshake frame it must read before
// AdoptBridgeConnection exists to hand off to; every subsequent frame on
// that connection instead flows through the server's own read loop.
func (s *Server) IngestBridgeFrame(peerBrokerID, topic string, raw []byte) {
	s.dispatch(topic, raw, pipeline.SourcePrincipal{ClientID: peerBrokerID, IsBridge: true})
}

// --- handlers.ReplySender ---

// SendResponse implements handlers.ReplySender.
func (s *Server) SendResponse(request *codec.Message, payload []byte) {
	resp := &codec.Message{
		Version:           codec.CurrentVersion,
		Kind:              codec.KindResponse,
		ID:                uuid.New().String(),
		SourceBrokerID:    s.LocalBrokerID,
		DestinationClient: []string{request.SourceClientID},
		RequestMessageID:  request.ID,
		Payload:           payload,
		SourceTenantID:    request.SourceTenantID,
		OtherFields:       map[string]string{},
	}
	s.dispatchLocal(request.ReplyToTopic, resp)
}

// SendError implements handlers.ReplySender. The named error code travels
// in OtherFields since codec.Message.ErrorCode is the numeric wire field and
// these codes (service-unavailable, and friends) are the string identifiers
// named in spec section 6, not wire-level codes.
func (s *Server) SendError(request *codec.Message, code, reason string) {
	errMsg := &codec.Message{
		Version:           codec.CurrentVersion,
		Kind:              codec.KindError,
		ID:                uuid.New().String(),
		SourceBrokerID:    s.LocalBrokerID,
		DestinationClient: []string{request.SourceClientID},
		RequestMessageID:  request.ID,
		ErrorMessage:      reason,
		SourceTenantID:    request.SourceTenantID,
		OtherFields:       map[string]string{"errorCode": code},
	}
	s.dispatchLocal(request.ReplyToTopic, errMsg)
}

// dispatchLocal re-enters the dispatch pipeline for a broker-originated
// message (a reply, an error, or an emitted event), attributing it to the
// local broker itself rather than to any connected principal.
func (s *Server) dispatchLocal(topic string, msg *codec.Message) {
	raw, err := codec.Encode(msg)
	if err != nil {
		s.Logger.V(1).Info("dropping broker-originated message that failed to encode", "error", err.Error())
		return
	}
	s.dispatch(topic, raw, pipeline.SourcePrincipal{
		ClientID: s.LocalBrokerID,
		IsLocal:  true,
	})
}

// --- handlers.EventEmitter ---

// Emit implements handlers.EventEmitter. The topic an event is published on
// travels in OtherFields["topic"], set by package events' constructors.
func (s *Server) Emit(msg *codec.Message) {
	topic := msg.OtherFields["topic"]
	if topic == "" {
		s.Logger.V(1).Info("dropping event with no topic", "id", msg.ID)
		return
	}
	s.dispatchLocal(topic, msg)
}

// --- handlers.Directory ---

// PrincipalFor implements handlers.Directory.
func (s *Server) PrincipalFor(destination string) authz.Principal {
	conn, ok := s.connFor(destination)
	if !ok {
		return authz.Principal{ClientID: destination}
	}
	return authz.Principal{
		ClientID:   conn.ID,
		CertHashes: conn.CertHashes,
	}
}

// TenantFor implements handlers.Directory.
func (s *Server) TenantFor(destination string) string {
	conn, ok := s.connFor(destination)
	if !ok {
		return ""
	}
	return conn.TenantID
}

// CanonicalID implements handlers.Directory. This module tracks one
// connection per logical client id, so the connection id is already
// canonical; there is no separate instance-id-to-client-id registry to
// consult.
func (s *Server) CanonicalID(destination string) string {
	return destination
}

// IsBridge implements handlers.Directory.
func (s *Server) IsBridge(destination string) bool {
	conn, ok := s.connFor(destination)
	return ok && conn.IsBridge
}

// --- handlers.ClientEnumerator ---

// ClientIDs implements handlers.ClientEnumerator, listing only non-bridge
// connections.
func (s *Server) ClientIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id, c := range s.conns {
		if !c.IsBridge {
			ids = append(ids, id)
		}
	}
	return ids
}

// --- revocation.TransportView ---

// RevokeCertificates implements revocation.TransportView, disconnecting
// every connection presenting one of the newly revoked certificate hashes.
func (s *Server) RevokeCertificates(hashes []string) {
	revoked := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		revoked[h] = struct{}{}
	}

	s.mu.RLock()
	var toClose []*Connection
	for _, c := range s.conns {
		for _, h := range c.CertHashes {
			if _, ok := revoked[h]; ok {
				toClose = append(toClose, c)
				break
			}
		}
	}
	s.mu.RUnlock()

	for _, c := range toClose {
		s.Logger.Info("closing connection with revoked certificate", "connection", c.ID)
		c.Close()
	}
}

// Close shuts down the listener and every tracked connection.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}
