package handlers

import (
	"context"

	"github.com/dxlfabric/broker/internal/authz"
	"github.com/dxlfabric/broker/internal/pipeline"
)

// NewAuthorizationPublishHandler checks the publishing principal against
// the publish authorization table. A frame with no SourcePrincipal
// attached (no client context available, e.g. a bridge-relayed frame
// re-dispatched internally) is allowed through unchecked.
func NewAuthorizationPublishHandler(d *Deps) pipeline.PublishHandler {
	return func(ctx context.Context, topic string, raw []byte) bool {
		p, ok := pipeline.SourcePrincipalFrom(ctx)
		if !ok {
			return true
		}
		principal := authz.Principal{ClientID: p.ClientID, CertHashes: p.CertHashes}
		if p.IsLocal {
			principal.ClientID = d.LocalBrokerID
		}
		return d.Authz.IsAuthorized(authz.Publish, principal, topic)
	}
}

// NewAuthorizationInsertHandler checks the candidate recipient against the
// subscribe authorization table before it is allowed to receive the frame.
func NewAuthorizationInsertHandler(d *Deps) pipeline.InsertHandler {
	return func(pctx *pipeline.Context, destination string) bool {
		principal := d.Principals.PrincipalFor(destination)
		if destination == d.LocalBrokerID {
			principal.ClientID = d.LocalBrokerID
		}
		return d.Authz.IsAuthorized(authz.Subscribe, principal, pctx.Topic)
	}
}
