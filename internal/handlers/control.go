package handlers

import (
	"encoding/json"
	"time"

	"github.com/dxlfabric/broker/internal/events"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/registry"
	"github.com/dxlfabric/broker/internal/svcregistry"
)

func parsePayload(pctx *pipeline.Context, out any) bool {
	msg, ok := pctx.Message()
	if !ok {
		return false
	}
	return json.Unmarshal(msg.Payload, out) == nil
}

// NewBrokerStateEventHandler refreshes the sending broker's liveness in
// the registry and lets the event continue propagating down the tree.
func NewBrokerStateEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var st events.BrokerState
		if !parsePayload(pctx, &st) || st.BrokerID == "" {
			return true
		}
		if !d.Registry.Exists(st.BrokerID) {
			d.Registry.AddBroker(st.BrokerID, registry.DefaultTTL,
				registry.WithHostPort(st.Hostname, uint32(st.Port)),
				registry.WithTopicRouting(st.TopicRoutingOn))
		} else {
			d.Registry.UpdateTTL(st.BrokerID, registry.DefaultTTL)
		}
		return true
	}}
}

// NewBrokerTopicsEventHandler adds every topic in the event's batch to the
// peer broker's topic set. Topics the peer held before and that are absent
// from the batch are not removed.
func NewBrokerTopicsEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var batch events.BrokerTopics
		if !parsePayload(pctx, &batch) || batch.BrokerID == "" {
			return true
		}
		for _, topic := range batch.Topics {
			d.Registry.AddTopic(batch.BrokerID, topic)
		}
		return true
	}}
}

// NewTopicAddedEventHandler and NewTopicRemovedEventHandler apply a
// per-topic delta from a peer broker to the registry and its topic-cache.
func NewTopicAddedEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var delta events.TopicDelta
		if !parsePayload(pctx, &delta) || delta.BrokerID == "" {
			return true
		}
		d.Registry.AddTopic(delta.BrokerID, delta.Topic)
		if d.TopicCache != nil {
			d.TopicCache.AddTopic(delta.BrokerID, delta.Topic)
		}
		return true
	}}
}

func NewTopicRemovedEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var delta events.TopicDelta
		if !parsePayload(pctx, &delta) || delta.BrokerID == "" {
			return true
		}
		d.Registry.RemoveTopic(delta.BrokerID, delta.Topic)
		if d.TopicCache != nil {
			stillHeld := false
			for _, st := range d.Registry.AllStates() {
				if _, ok := st.Topics[delta.Topic]; ok {
					stillHeld = true
					break
				}
			}
			d.TopicCache.RemoveTopic(delta.Topic, stillHeld)
		}
		return true
	}}
}

// NewFabricChangeEventHandler marks nothing itself — the fabric
// configuration is reloaded by the config loader that receives this
// signal out of band — but lets the event continue propagating so every
// broker in the tree re-sends its state and re-registers its services.
func NewFabricChangeEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		return true
	}}
}

// NewServiceRegisterEventHandler applies a peer-relayed service
// registration and continues propagating it further down the tree.
func NewServiceRegisterEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var reg events.ServiceRegistration
		if !parsePayload(pctx, &reg) || reg.ServiceID == "" {
			return true
		}
		d.Services.Register(&svcregistry.Registration{
			ServiceID:        reg.ServiceID,
			ServiceType:      reg.ServiceType,
			RequestTopics:    reg.RequestTopics,
			ClientID:         reg.ClientID,
			BrokerID:         reg.BrokerID,
			TenantID:         reg.TenantID,
			TargetTenantIDs:  reg.TargetTenantIDs,
			TTLMinutes:       reg.TTLMinutes,
			RegistrationTime: time.Now(),
			Metadata:         reg.Metadata,
			ManagedClient:    reg.ManagedClient,
		})
		return true
	}}
}

// NewServiceUnregisterEventHandler removes a peer-relayed service
// registration and continues propagating the event.
func NewServiceUnregisterEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var unreg events.ServiceUnregistration
		if !parsePayload(pctx, &unreg) || unreg.ServiceID == "" {
			return true
		}
		d.Services.Unregister(unreg.ServiceID)
		return true
	}}
}

// NewServiceRegisterRequestHandler services a local client's register
// request: registers the service against this broker, replies, and emits
// the event to propagate the registration to peer brokers. The request is
// absorbed (insert disabled) since it has already been fully handled here.
func NewServiceRegisterRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		var reg events.ServiceRegistration
		if !parsePayload(pctx, &reg) || reg.ServiceID == "" {
			return true
		}
		reg.BrokerID = d.LocalBrokerID
		reg.ClientID = msg.SourceClientID
		applied := d.Services.Register(&svcregistry.Registration{
			ServiceID:        reg.ServiceID,
			ServiceType:      reg.ServiceType,
			RequestTopics:    reg.RequestTopics,
			ClientID:         reg.ClientID,
			BrokerID:         reg.BrokerID,
			TenantID:         msg.SourceTenantID,
			TargetTenantIDs:  reg.TargetTenantIDs,
			TTLMinutes:       reg.TTLMinutes,
			RegistrationTime: time.Now(),
			Metadata:         reg.Metadata,
			ManagedClient:    reg.ManagedClient,
		})
		if applied && d.Reply != nil {
			d.Reply.SendResponse(msg, nil)
		}
		if applied && d.Emit != nil {
			if evt, err := events.NewServiceRegisterEvent(d.LocalBrokerID, reg); err == nil {
				d.Emit.Emit(evt)
			}
		}
		return false
	}}
}

// NewServiceUnregisterRequestHandler services a local client's unregister
// request, checking the caller actually owns the service before removing
// it.
func NewServiceUnregisterRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		var unreg events.ServiceUnregistration
		if !parsePayload(pctx, &unreg) || unreg.ServiceID == "" {
			return true
		}
		removed := d.Services.UnregisterAuthenticated(unreg.ServiceID, msg.SourceClientID, msg.SourceTenantID)
		if removed != nil && d.Reply != nil {
			d.Reply.SendResponse(msg, nil)
		}
		if removed != nil && d.Emit != nil {
			if evt, err := events.NewServiceUnregisterEvent(d.LocalBrokerID, unreg.ServiceID); err == nil {
				d.Emit.Emit(evt)
			}
		}
		return false
	}}
}

// NewTenantLimitExceededEventHandler marks the sticky exceeded flag on
// this broker's own tenant metrics when a peer reports the same tenant
// tripped its limit, so enforcement agrees fabric-wide.
func NewTenantLimitExceededEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var tl events.TenantLimit
		if !parsePayload(pctx, &tl) || tl.TenantID == "" {
			return true
		}
		d.Tenant.MarkExceedsByte(tl.TenantID)
		return true
	}}
}

// NewTenantLimitResetEventHandler clears the sticky exceeded flag.
func NewTenantLimitResetEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var tl events.TenantLimit
		if !parsePayload(pctx, &tl) || tl.TenantID == "" {
			return true
		}
		d.Tenant.ResetByteCounts(tl.TenantID)
		return true
	}}
}

// NewRevocationListEventHandler accumulates newly revoked cert hashes
// reported by a peer broker.
func NewRevocationListEventHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		var list events.RevokedList
		if !parsePayload(pctx, &list) {
			return true
		}
		for _, hash := range list.CertHashes {
			d.Revocation.Add(hash)
		}
		return true
	}}
}
