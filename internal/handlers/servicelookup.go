package handlers

import (
	"time"

	"github.com/dxlfabric/broker/internal/authz"
	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/svcregistry"
)

// NewServiceLookupStoreHandler resolves a destination service for request
// messages, and performs event-to-request promotion for events whose topic
// a registered service has declared as a promotable event prefix. It
// leaves insert enabled with no destination set when no service is found,
// letting the no-destination finalize handler synthesize the
// service-unavailable reply.
func NewServiceLookupStoreHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		if prefix, ok := d.Services.RequestPrefixForEvent(pctx.Topic); ok {
			if evt, isEvent := pctx.DxlEvent(); isEvent && d.Emit != nil {
				promoted := evt.Clone()
				promoted.Kind = codec.KindRequest
				promoted.ReplyToTopic = prefix
				promoted.MarkDirty()
				d.Emit.Emit(promoted)
			}
		}

		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}

		var zones []string
		if d.ZonesFor != nil {
			zones = d.ZonesFor(msg.SourceBrokerID)
		}

		filter := svcregistry.EligibilityFilter{
			IsReachable: func(brokerID string) bool {
				return brokerID == d.LocalBrokerID || d.Registry.Exists(brokerID)
			},
			IsAuthorized: func(reg *svcregistry.Registration) bool {
				principal := authz.Principal{ClientID: reg.ClientID, CertHashes: reg.CertHashes}
				return d.Authz.IsAuthorized(authz.Subscribe, principal, pctx.Topic)
			},
			CallerTenant: msg.SourceTenantID,
			OpsTenant:    d.OpsTenant,
		}

		reg, found := d.Services.GetNextService(pctx.Topic, zones, filter, time.Now())
		if !found {
			return true
		}

		msg.DestinationBroker = []string{reg.BrokerID}
		msg.DestinationClient = []string{reg.ClientID}
		msg.MarkDirty()
		return true
	}}
}
