package handlers

import (
	"testing"
	"time"

	"github.com/dxlfabric/broker/internal/authz"
	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/registry"
	"github.com/dxlfabric/broker/internal/svcregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct{ emitted []*codec.Message }

func (f *fakeEmitter) Emit(msg *codec.Message) { f.emitted = append(f.emitted, msg) }

func TestServiceLookupResolvesDestinationForRequest(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	require.True(t, svc.Register(&svcregistry.Registration{
		ServiceID:        "s1",
		ServiceType:      "type-a",
		RequestTopics:    []string{"/svc/topic"},
		ClientID:         "client-1",
		BrokerID:         "local",
		TTLMinutes:       60,
		RegistrationTime: time.Now(),
	}))

	d := &Deps{Services: svc, Registry: registry.New("local"), LocalBrokerID: "local", Authz: authz.New()}
	h := NewServiceLookupStoreHandler(d)

	msg := &codec.Message{Kind: codec.KindRequest, ID: "req-1"}
	pctx := pipeline.NewContext(1, "/svc/topic", nil, false, nil)
	pctx.SetMessage(msg)

	assert.True(t, h.Fn(pctx))
	assert.Equal(t, []string{"local"}, msg.DestinationBroker)
	assert.Equal(t, []string{"client-1"}, msg.DestinationClient)
	assert.True(t, msg.Dirty())
}

func TestServiceLookupLeavesNoDestinationWhenNoServiceRegistered(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	d := &Deps{Services: svc, Registry: registry.New("local"), LocalBrokerID: "local", Authz: authz.New()}
	h := NewServiceLookupStoreHandler(d)

	msg := &codec.Message{Kind: codec.KindRequest, ID: "req-1"}
	pctx := pipeline.NewContext(1, "/svc/unknown", nil, false, nil)
	pctx.SetMessage(msg)

	assert.True(t, h.Fn(pctx))
	assert.Empty(t, msg.DestinationBroker)
	assert.True(t, pctx.InsertEnabled)
}

func TestServiceLookupSkipsServiceNotAuthorizedForTopic(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	require.True(t, svc.Register(&svcregistry.Registration{
		ServiceID:        "s1",
		ServiceType:      "type-a",
		RequestTopics:    []string{"/svc/topic"},
		ClientID:         "client-1",
		BrokerID:         "local",
		TTLMinutes:       60,
		RegistrationTime: time.Now(),
	}))

	engine := authz.New()
	engine.SetAuthorizations(authz.Subscribe, map[string][]string{"/svc/topic": {"someone-else"}})

	d := &Deps{Services: svc, Registry: registry.New("local"), LocalBrokerID: "local", Authz: engine}
	h := NewServiceLookupStoreHandler(d)

	msg := &codec.Message{Kind: codec.KindRequest, ID: "req-1"}
	pctx := pipeline.NewContext(1, "/svc/topic", nil, false, nil)
	pctx.SetMessage(msg)

	assert.True(t, h.Fn(pctx))
	assert.Empty(t, msg.DestinationBroker)
	assert.True(t, pctx.InsertEnabled)
}

func TestServiceLookupPromotesEventToRequestWhenPrefixRegistered(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	require.True(t, svc.Register(&svcregistry.Registration{
		ServiceID:        "s1",
		ServiceType:      "type-a",
		RequestTopics:    []string{"/svc/topic"},
		BrokerID:         "local",
		TTLMinutes:       60,
		RegistrationTime: time.Now(),
		Metadata: map[string]string{
			"eventToRequestPrefix": "/req/prefix",
			"eventToRequestTopic1": "/event/one",
		},
	}))

	emitter := &fakeEmitter{}
	d := &Deps{Services: svc, Registry: registry.New("local"), LocalBrokerID: "local", Emit: emitter, Authz: authz.New()}
	h := NewServiceLookupStoreHandler(d)

	evt := &codec.Message{Kind: codec.KindEvent, ID: "evt-1"}
	pctx := pipeline.NewContext(1, "/event/one", nil, false, nil)
	pctx.SetMessage(evt)

	h.Fn(pctx)

	require.Len(t, emitter.emitted, 1)
	assert.Equal(t, codec.KindRequest, emitter.emitted[0].Kind)
	assert.Equal(t, "/req/prefix", emitter.emitted[0].ReplyToTopic)
}
