// Package handlers implements the concrete publish/store/insert/finalize
// handlers registered with the pipeline dispatcher: authorization,
// message routing, service lookup, the broker's own control-topic
// handlers, and the no-destination finalize handlers. Each handler is a
// small closure-producing constructor over Deps rather than a class
// hierarchy, matching the four capability traits pipeline.Dispatcher
// accepts.
package handlers

import (
	"sync/atomic"
	"time"

	"github.com/dxlfabric/broker/internal/authz"
	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/fabric"
	"github.com/dxlfabric/broker/internal/registry"
	"github.com/dxlfabric/broker/internal/revocation"
	"github.com/dxlfabric/broker/internal/svcregistry"
	"github.com/dxlfabric/broker/internal/tenant"
	"github.com/dxlfabric/broker/internal/topiccache"
	"github.com/go-logr/logr"
)

// ReplySender sends a response or a typed error reply back to the
// originator of a request. corebroker wires this to the transport.
type ReplySender interface {
	SendResponse(request *codec.Message, payload []byte)
	SendError(request *codec.Message, code, reason string)
}

// EventEmitter hands a broker-originated event to the transport/bridge
// layer for delivery to local subscribers and/or peer brokers.
type EventEmitter interface {
	Emit(msg *codec.Message)
}

// Directory answers the per-connection facts handlers need but that only
// the transport layer tracks: a destination's authorization principal,
// tenant, canonical id, and whether it is a bridge (broker) connection
// rather than a client connection.
type Directory interface {
	PrincipalFor(destination string) authz.Principal
	TenantFor(destination string) string
	CanonicalID(destination string) string
	IsBridge(destination string) bool
}

// Named error codes emitted within error-kind replies, per spec section 6.
const (
	ErrServiceUnavailable        = "service-unavailable"
	ErrServiceOverloaded         = "service-overloaded"
	ErrResponseTimeout           = "response-timeout"
	ErrServiceLimitExceeded      = "service-limit-exceeded"
	ErrSubscriptionLimitExceeded = "subscription-limit-exceeded"
)

// AlwaysRoutePrefixes are the topic prefixes the message-routing handler
// lets through to a bridge destination even with no explicit
// destination-broker set and no topic-cache subscriber match.
var AlwaysRoutePrefixes = []string{
	"/mcafee/client/",
	"/mcafee/event/dxl/broker/",
}

// Deps bundles every subsystem and collaborator a handler constructor may
// need. corebroker builds one Deps value and passes it to every
// NewXHandler call.
type Deps struct {
	LocalBrokerID string
	OpsTenant     string
	MultiTenant   bool
	TestMode      *atomic.Bool

	Registry   *registry.Registry
	Services   *svcregistry.Registry
	Authz      *authz.Engine
	Tenant     *tenant.Metrics
	Fabric     *fabric.Service
	Revocation *revocation.Store
	TopicCache *topiccache.Service

	Reply      ReplySender
	Emit       EventEmitter
	Principals Directory
	Clients    ClientEnumerator
	Logger     logr.Logger

	// StartTime is when this broker process came up, used to compute
	// uptime in the broker-health reply.
	StartTime time.Time

	// ZonesFor returns the zone chain for a broker id, used by the
	// service-lookup handler to prefer same-zone service instances.
	ZonesFor func(brokerID string) []string
}
