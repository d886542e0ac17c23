package handlers

import (
	"strings"

	"github.com/dxlfabric/broker/internal/pipeline"
)

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// NewMessageRoutingInsertHandler decides, per candidate destination,
// whether a frame should be delivered there. Bridge destinations with an
// explicit destination-broker list use that list directly; otherwise
// topic-routing (the topic-cache service) decides, except for the
// always-route prefixes which bypass the cache entirely. A parsed frame
// with a destination-broker list reaches client destinations only when the
// local broker id is listed. Client destinations are then filtered by
// destination-client-id membership (matching
// the raw id, the canonical id, or the local broker id when the frame's
// LOCAL flag is set) and, in multi-tenant mode, by cross-tenant rules.
func NewMessageRoutingInsertHandler(d *Deps) pipeline.InsertHandler {
	return func(pctx *pipeline.Context, destination string) bool {
		msg, parsed := pctx.Message()

		if d.Principals.IsBridge(destination) {
			if parsed && len(msg.DestinationBroker) > 0 {
				return containsString(msg.DestinationBroker, destination)
			}
			if hasAnyPrefix(pctx.Topic, AlwaysRoutePrefixes) {
				return true
			}
			if !parsed || !msg.IsEvent() || d.TopicCache == nil {
				return true
			}
			valid, result := d.TopicCache.IsSubscriber(destination, pctx.Topic)
			if !valid {
				return d.Registry.IsSubscriberInHierarchy(d.LocalBrokerID, destination, pctx.Topic, d.TopicCache.Match)
			}
			return result
		}

		if !parsed {
			return !d.MultiTenant
		}

		if len(msg.DestinationBroker) > 0 && !containsString(msg.DestinationBroker, d.LocalBrokerID) {
			return false
		}

		if len(msg.DestinationClient) > 0 {
			canonical := d.Principals.CanonicalID(destination)
			matched := containsString(msg.DestinationClient, destination) ||
				containsString(msg.DestinationClient, canonical) ||
				(pctx.Local && containsString(msg.DestinationClient, d.LocalBrokerID))
			if !matched {
				return false
			}
		}

		if d.MultiTenant {
			destTenant := d.Principals.TenantFor(destination)
			if len(msg.DestinationTenant) == 0 {
				if destTenant != d.OpsTenant && msg.SourceTenantID != d.OpsTenant && msg.SourceTenantID != destTenant {
					return false
				}
			} else if !containsString(msg.DestinationTenant, destTenant) {
				return false
			}
		}

		if msg.IsEvent() && len(msg.DestinationClient) > 0 && !pctx.ClientSpecificPayloadGenerated {
			pctx.SetMessage(msg.WithDestinationClients(nil))
			pctx.ClientSpecificPayloadGenerated = true
		}

		return true
	}
}
