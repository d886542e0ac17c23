// Package corebroker is the composition root: it owns every subsystem
// (registry, service registry, authz, tenant metrics, fabric, revocation,
// topic cache), wires the handler set from package handlers into a
// pipeline.Dispatcher, and starts the transport server and bridge client
// that carry frames in and out. cmd/broker constructs exactly one
// BrokerCore per process.
package corebroker

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dxlfabric/broker/internal/authz"
	"github.com/dxlfabric/broker/internal/bridge"
	"github.com/dxlfabric/broker/internal/config"
	"github.com/dxlfabric/broker/internal/events"
	"github.com/dxlfabric/broker/internal/fabric"
	"github.com/dxlfabric/broker/internal/handlers"
	"github.com/dxlfabric/broker/internal/obs"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/registry"
	"github.com/dxlfabric/broker/internal/revocation"
	"github.com/dxlfabric/broker/internal/svcregistry"
	"github.com/dxlfabric/broker/internal/tenant"
	"github.com/dxlfabric/broker/internal/topiccache"
	"github.com/dxlfabric/broker/internal/transport"
)

// Request topics this broker answers directly: the
// "/mcafee/request/dxl/*registry/query" broadcast-query family plus the
// register/unregister and health/subs/testmode requests exposed alongside
// it.
const (
	topicServiceRegisterRequest   = "/mcafee/request/dxl/svcregistry/register"
	topicServiceUnregisterRequest = "/mcafee/request/dxl/svcregistry/unregister"

	topicBrokerRegistryQuery  = "/mcafee/request/dxl/brokerregistry/query"
	topicServiceRegistryQuery = "/mcafee/request/dxl/serviceregistry/query"
	topicClientRegistryQuery  = "/mcafee/request/dxl/clientregistry/query"
	topicTopicRegistryQuery   = "/mcafee/request/dxl/topicregistry/query"

	topicBrokerHealthRequest    = "/mcafee/request/dxl/broker/health"
	topicBrokerSubsRequest      = "/mcafee/request/dxl/broker/subs"
	topicTestModeEnableRequest  = "/mcafee/request/dxl/broker/testmode/enable"
	topicTestModeDisableRequest = "/mcafee/request/dxl/broker/testmode/disable"
)

// topicCharBudget caps the size of one broker/topics batch, mirroring the
// per-message size discipline the original applies to its topic dumps.
const topicCharBudget = 32 * 1024

// BrokerCore holds every subsystem as a field and is the single value
// corebroker builds per process.
type BrokerCore struct {
	Config *config.Config
	Logger obs.Logger

	Registry   *registry.Registry
	Services   *svcregistry.Registry
	Authz      *authz.Engine
	Tenant     *tenant.Metrics
	Fabric     *fabric.Service
	Revocation *revocation.Store
	TopicCache *topiccache.Service
	Dispatcher *pipeline.Dispatcher
	Transport  *transport.Server
	Workers    *pipeline.WorkerPool
	Bridge     *bridge.Client
	TestMode   *atomic.Bool

	startTime time.Time
}

// New builds a BrokerCore from cfg: loads the fabric, authorization, and
// general policy files it names, constructs every subsystem, and wires the
// full handler set into a fresh dispatcher. The transport server and
// bridge client are built but not yet started; call Run for that.
func New(cfg *config.Config, logger obs.Logger) (*BrokerCore, error) {
	c := &BrokerCore{
		Config:    cfg,
		Logger:    logger,
		TestMode:  &atomic.Bool{},
		startTime: time.Now(),
	}

	c.Fabric = fabric.NewService()
	if cfg.FabricPolicyFile != "" {
		nodes, err := config.LoadFabricPolicy(cfg.FabricPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("corebroker: loading fabric policy: %w", err)
		}
		c.Fabric.SetConfiguration(fabric.NewConfiguration(nodes))
	}

	c.Authz = authz.New()
	if cfg.AuthzPolicyFile != "" {
		publish, subscribe, err := config.LoadAuthzPolicy(cfg.AuthzPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("corebroker: loading authz policy: %w", err)
		}
		c.Authz.SetAuthorizations(authz.Publish, publish)
		c.Authz.SetAuthorizations(authz.Subscribe, subscribe)
	}

	c.Revocation = revocation.New()
	if cfg.RevocationFile != "" {
		if err := c.Revocation.ReadFromFile(cfg.RevocationFile); err != nil {
			logger.V(1).Info("no existing revocation file, starting empty", "file", cfg.RevocationFile, "error", err.Error())
		}
	}

	generalPolicy := map[string]string{}
	if cfg.GeneralPolicyFile != "" {
		gp, err := config.LoadGeneralPolicy(cfg.GeneralPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("corebroker: loading general policy: %w", err)
		}
		generalPolicy = gp
	}

	brokerOpts := []func(*registry.State){
		registry.WithHostPort(cfg.Hostname, cfg.Port),
		registry.WithTopicRouting(true),
	}
	if limit, ok := parseUint(generalPolicy["connectionLimit"]); ok {
		brokerOpts = append(brokerOpts, registry.WithConnectionLimit(limit))
	}

	c.Registry = registry.New(cfg.BrokerID)
	c.Registry.AddBroker(cfg.BrokerID, registry.DefaultTTL, brokerOpts...)

	c.Services = svcregistry.New(cfg.BrokerID, func(brokerID string) []string {
		return c.Fabric.Current().ServiceZones(brokerID)
	})
	c.Fabric.AddListener(c.Services)

	c.TopicCache = topiccache.NewService(c.Registry, topicMatches)

	c.Tenant = tenant.New(cfg.OpsTenant, tenant.Limits{
		MaxBytes:         cfg.TenantLimits.MaxBytes,
		MaxConnections:   cfg.TenantLimits.MaxConnections,
		MaxServices:      cfg.TenantLimits.MaxServices,
		MaxSubscriptions: cfg.TenantLimits.MaxSubscriptions,
	})

	c.Dispatcher = pipeline.New()
	c.Workers = pipeline.NewWorkerPool(2, 64)

	c.Transport = transport.NewServer(cfg.BrokerID, c.Dispatcher, nil, logger)

	c.Tenant.OnLimitExceeded = func(tenantID string, kind tenant.LimitKind) {
		if evt, err := events.NewTenantLimitExceededEvent(cfg.BrokerID, tenantID, limitKindString(kind)); err == nil {
			c.Transport.Emit(evt)
		}
	}

	deps := &handlers.Deps{
		LocalBrokerID: cfg.BrokerID,
		OpsTenant:     cfg.OpsTenant,
		MultiTenant:   cfg.MultiTenant,
		TestMode:      c.TestMode,

		Registry:   c.Registry,
		Services:   c.Services,
		Authz:      c.Authz,
		Tenant:     c.Tenant,
		Fabric:     c.Fabric,
		Revocation: c.Revocation,
		TopicCache: c.TopicCache,

		Reply:      c.Transport,
		Emit:       c.Transport,
		Principals: c.Transport,
		Clients:    c.Transport,
		Logger:     logger,

		StartTime: c.startTime,
		ZonesFor: func(brokerID string) []string {
			return c.Fabric.Current().ServiceZones(brokerID)
		},
	}
	registerHandlers(c.Dispatcher, deps)

	bridgeCfg := fabric.NewBridgeConfig(c.Fabric.Current(), cfg.BrokerID)
	c.Bridge = bridge.NewClient(cfg.BrokerID, bridgeCfg, c.Transport, logger)
	if minutes, ok := parseUint(generalPolicy["keepAlive"]); ok {
		c.Bridge.KeepAlive = time.Duration(minutes) * time.Minute
	}

	return c, nil
}

// parseUint parses a general-policy value as a non-negative integer,
// reporting false for an empty or malformed value so callers can leave
// the corresponding setting at its zero-value default.
func parseUint(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// topicMatches is the pattern-matching function the topic cache uses to
// compare a subscribed pattern against a published topic; DXL topics are
// exact strings except for the trailing-wildcard convention "prefix/#".
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	const wildcardSuffix = "/#"
	if len(pattern) > len(wildcardSuffix) && pattern[len(pattern)-len(wildcardSuffix):] == wildcardSuffix {
		prefix := pattern[:len(pattern)-1]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}

func limitKindString(kind tenant.LimitKind) string {
	switch kind {
	case tenant.LimitBytes:
		return "bytes"
	case tenant.LimitConnections:
		return "connections"
	case tenant.LimitServices:
		return "services"
	case tenant.LimitSubscriptions:
		return "subscriptions"
	default:
		return "unknown"
	}
}

// registerHandlers wires the full handler set from package handlers into
// dispatcher against deps, grouped by phase and, within the store phase, by
// whether the handler is topic-specific or runs for every frame.
func registerHandlers(d *pipeline.Dispatcher, deps *handlers.Deps) {
	d.RegisterPublishHandler(handlers.NewAuthorizationPublishHandler(deps))

	d.RegisterInsertHandler(handlers.NewAuthorizationInsertHandler(deps))
	d.RegisterInsertHandler(handlers.NewMessageRoutingInsertHandler(deps))

	d.RegisterStoreHandler(handlers.NewServiceLookupStoreHandler(deps))

	d.SetNoDestinationHandler(handlers.NewNoServiceRequestHandler(deps))
	d.RegisterFinalizeHandler(handlers.NewNoSubscriberTestModeFinalizeHandler(deps))

	topicHandlers := map[string]pipeline.StoreHandler{
		events.TopicBrokerState:     handlers.NewBrokerStateEventHandler(deps),
		events.TopicBrokerTopics:    handlers.NewBrokerTopicsEventHandler(deps),
		events.TopicTopicAdded:      handlers.NewTopicAddedEventHandler(deps),
		events.TopicTopicRemoved:    handlers.NewTopicRemovedEventHandler(deps),
		events.TopicFabricChange:    handlers.NewFabricChangeEventHandler(deps),
		events.TopicServiceRegister: handlers.NewServiceRegisterEventHandler(deps),
		events.TopicServiceUnreg:    handlers.NewServiceUnregisterEventHandler(deps),
		events.TopicTenantExceeded:  handlers.NewTenantLimitExceededEventHandler(deps),
		events.TopicTenantReset:     handlers.NewTenantLimitResetEventHandler(deps),
		events.TopicRevokedList:     handlers.NewRevocationListEventHandler(deps),

		topicServiceRegisterRequest:   handlers.NewServiceRegisterRequestHandler(deps),
		topicServiceUnregisterRequest: handlers.NewServiceUnregisterRequestHandler(deps),

		topicBrokerRegistryQuery:  handlers.NewBrokerRegistryQueryRequestHandler(deps),
		topicServiceRegistryQuery: handlers.NewServiceRegistryQueryRequestHandler(deps),
		topicClientRegistryQuery:  handlers.NewClientRegistryQueryRequestHandler(deps),
		topicTopicRegistryQuery:   handlers.NewBrokerTopicQueryRequestHandler(deps),

		topicBrokerHealthRequest:    handlers.NewBrokerHealthRequestHandler(deps),
		topicBrokerSubsRequest:      handlers.NewBrokerSubsRequestHandler(deps),
		topicTestModeEnableRequest:  handlers.NewBrokerEnableTestModeRequestHandler(deps),
		topicTestModeDisableRequest: handlers.NewBrokerDisableTestModeRequestHandler(deps),
	}
	for topic, h := range topicHandlers {
		d.RegisterStoreHandlerForTopic(topic, h)
	}
}

// revocationView adapts the transport server's RevokeCertificates into a
// revocation.TransportView that also propagates the newly revoked hashes
// to peer brokers, since revocation.Store has no dependency on package
// events and cannot emit the event itself.
type revocationView struct {
	transport *transport.Server
	localID   string
}

func (v *revocationView) RevokeCertificates(hashes []string) {
	v.transport.RevokeCertificates(hashes)
	if len(hashes) == 0 {
		return
	}
	if evt, err := events.NewRevokedListEvent(v.localID, hashes); err == nil {
		v.transport.Emit(evt)
	}
}

// Close tears down the transport server and the background worker pool.
// The bridge client and maintenance loop exit on their own once ctx (passed
// to Run) is canceled; Close is for resources Run itself does not own the
// lifetime of.
func (c *BrokerCore) Close() error {
	c.Workers.Stop(5 * time.Second)
	return c.Transport.Close()
}
