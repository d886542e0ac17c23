package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/registry"
	"github.com/dxlfabric/broker/internal/revocation"
	"github.com/dxlfabric/broker/internal/svcregistry"
	"github.com/dxlfabric/broker/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventPctx(t *testing.T, topic string, payload any) *pipeline.Context {
	t.Helper()
	msg, err := newTestEvent(topic, payload)
	require.NoError(t, err)
	pctx := pipeline.NewContext(1, topic, nil, false, nil)
	pctx.SetMessage(msg)
	return pctx
}

func newTestEvent(topic string, payload any) (*codec.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &codec.Message{Kind: codec.KindEvent, SourceBrokerID: "peer", Payload: raw}, nil
}

func TestBrokerStateEventHandlerAddsUnknownBroker(t *testing.T) {
	reg := registry.New("local")
	d := &Deps{Registry: reg}
	h := NewBrokerStateEventHandler(d)

	pctx := eventPctx(t, "/broker/state", map[string]any{
		"brokerId": "peer", "hostname": "h", "port": 8883,
	})

	assert.True(t, h.Fn(pctx))
	assert.True(t, reg.Exists("peer"))
}

func TestBrokerStateEventHandlerRefreshesKnownBroker(t *testing.T) {
	reg := registry.New("local")
	reg.AddBroker("peer", 1)
	d := &Deps{Registry: reg}
	h := NewBrokerStateEventHandler(d)

	pctx := eventPctx(t, "/broker/state", map[string]any{"brokerId": "peer"})
	assert.True(t, h.Fn(pctx))
	assert.True(t, reg.Exists("peer"))
}

func TestTopicAddedEventHandlerUpdatesRegistry(t *testing.T) {
	reg := registry.New("local")
	reg.AddBroker("peer", registry.DefaultTTL)
	d := &Deps{Registry: reg}
	h := NewTopicAddedEventHandler(d)

	pctx := eventPctx(t, "/broker/topicadded", map[string]any{"brokerId": "peer", "topic": "/t/1"})
	assert.True(t, h.Fn(pctx))
	assert.True(t, reg.HasTopic("peer", "/t/1"))
}

func TestTopicRemovedEventHandlerUpdatesRegistry(t *testing.T) {
	reg := registry.New("local")
	reg.AddBroker("peer", registry.DefaultTTL)
	reg.AddTopic("peer", "/t/1")
	d := &Deps{Registry: reg}
	h := NewTopicRemovedEventHandler(d)

	pctx := eventPctx(t, "/broker/topicremoved", map[string]any{"brokerId": "peer", "topic": "/t/1"})
	assert.True(t, h.Fn(pctx))
	assert.False(t, reg.HasTopic("peer", "/t/1"))
}

func TestServiceRegisterEventHandlerAddsRegistration(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	d := &Deps{Services: svc}
	h := NewServiceRegisterEventHandler(d)

	pctx := eventPctx(t, "/svcregistry/register", map[string]any{
		"serviceId": "s1", "serviceType": "t", "requestTopics": []string{"/svc/t"},
		"clientId": "c1", "brokerId": "peer", "ttlMinutes": 60,
	})
	assert.True(t, h.Fn(pctx))

	reg, found := svc.FindByID("s1")
	require.True(t, found)
	assert.Equal(t, "peer", reg.BrokerID)
}

func TestServiceUnregisterEventHandlerRemovesRegistration(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	svc.Register(&svcregistry.Registration{
		ServiceID: "s1", RequestTopics: []string{"/svc/t"}, BrokerID: "peer",
		TTLMinutes: 60, RegistrationTime: time.Now(),
	})
	d := &Deps{Services: svc}
	h := NewServiceUnregisterEventHandler(d)

	pctx := eventPctx(t, "/svcregistry/unregister", map[string]any{"serviceId": "s1", "brokerId": "peer"})
	assert.True(t, h.Fn(pctx))

	_, found := svc.FindByID("s1")
	assert.False(t, found)
}

type fakeReply struct {
	responses []*codec.Message
	payloads  [][]byte
	errors    []string
}

func (f *fakeReply) SendResponse(request *codec.Message, payload []byte) {
	f.responses = append(f.responses, request)
	f.payloads = append(f.payloads, payload)
}
func (f *fakeReply) SendError(request *codec.Message, code, reason string) {
	f.errors = append(f.errors, code)
}

func TestServiceRegisterRequestHandlerRegistersRepliesAndEmits(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	reply := &fakeReply{}
	emitter := &fakeEmitter{}
	d := &Deps{Services: svc, LocalBrokerID: "local", Reply: reply, Emit: emitter}
	h := NewServiceRegisterRequestHandler(d)

	raw, err := json.Marshal(map[string]any{"serviceId": "s1", "requestTopics": []string{"/svc/t"}, "ttlMinutes": 60})
	require.NoError(t, err)
	msg := &codec.Message{Kind: codec.KindRequest, SourceClientID: "c1", Payload: raw}
	pctx := pipeline.NewContext(1, "/svcregistry/register", nil, false, nil)
	pctx.SetMessage(msg)

	assert.False(t, h.Fn(pctx))
	assert.Len(t, reply.responses, 1)
	assert.Len(t, emitter.emitted, 1)

	reg, found := svc.FindByID("s1")
	require.True(t, found)
	assert.Equal(t, "local", reg.BrokerID)
	assert.Equal(t, "c1", reg.ClientID)
}

func TestServiceUnregisterRequestHandlerRequiresOwnership(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	svc.Register(&svcregistry.Registration{
		ServiceID: "s1", RequestTopics: []string{"/svc/t"}, ClientID: "owner",
		BrokerID: "local", TTLMinutes: 60, RegistrationTime: time.Now(),
	})
	reply := &fakeReply{}
	d := &Deps{Services: svc, LocalBrokerID: "local", Reply: reply}
	h := NewServiceUnregisterRequestHandler(d)

	raw, err := json.Marshal(map[string]any{"serviceId": "s1"})
	require.NoError(t, err)
	msg := &codec.Message{Kind: codec.KindRequest, SourceClientID: "not-owner"}
	msg.Payload = raw
	pctx := pipeline.NewContext(1, "/svcregistry/unregister", nil, false, nil)
	pctx.SetMessage(msg)

	assert.False(t, h.Fn(pctx))
	assert.Empty(t, reply.responses)
	_, found := svc.FindByID("s1")
	assert.True(t, found)
}

func TestTenantLimitEventHandlersUpdateMetrics(t *testing.T) {
	m := tenant.New("ops", tenant.Limits{})
	d := &Deps{Tenant: m}

	exceeded := NewTenantLimitExceededEventHandler(d)
	pctx := eventPctx(t, "/tenant/limit/exceeded", map[string]any{"tenantId": "tenant-a", "kind": "byte"})
	assert.True(t, exceeded.Fn(pctx))

	reset := NewTenantLimitResetEventHandler(d)
	pctx2 := eventPctx(t, "/tenant/limit/reset", map[string]any{"tenantId": "tenant-a"})
	assert.True(t, reset.Fn(pctx2))
}

func TestRevocationListEventHandlerAddsHashes(t *testing.T) {
	store := revocation.New()
	d := &Deps{Revocation: store}
	h := NewRevocationListEventHandler(d)

	pctx := eventPctx(t, "/revocation/list", map[string]any{"certHashes": []string{"abc123"}})
	assert.True(t, h.Fn(pctx))
	assert.True(t, store.IsRevoked("abc123"))
}
