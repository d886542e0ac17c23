package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/registry"
	"github.com/dxlfabric/broker/internal/svcregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClients struct{ ids []string }

func (f *fakeClients) ClientIDs() []string { return f.ids }

func requestPctx(topic string) (*pipeline.Context, *codec.Message) {
	msg := &codec.Message{Kind: codec.KindRequest, ID: "r1"}
	pctx := pipeline.NewContext(1, topic, nil, false, nil)
	pctx.SetMessage(msg)
	return pctx, msg
}

func TestBrokerHealthRequestHandlerRepliesWithCounters(t *testing.T) {
	reg := registry.New("local")
	reply := &fakeReply{}
	d := &Deps{
		LocalBrokerID: "local", Registry: reg, Reply: reply,
		Clients: &fakeClients{ids: []string{"c1", "c2"}}, StartTime: time.Now().Add(-time.Hour),
	}
	h := NewBrokerHealthRequestHandler(d)

	pctx, _ := requestPctx("/broker/health")
	assert.False(t, h.Fn(pctx))
	require.Len(t, reply.responses, 1)
}

func TestBrokerSubsRequestHandlerListsLocalTopics(t *testing.T) {
	reg := registry.New("local")
	reg.AddBroker("local", registry.DefaultTTL)
	reg.AddTopic("local", "/a")
	reg.AddTopic("local", "/b")
	reply := &fakeReply{}
	d := &Deps{LocalBrokerID: "local", Registry: reg, Reply: reply}
	h := NewBrokerSubsRequestHandler(d)

	pctx, _ := requestPctx("/broker/subs")
	assert.False(t, h.Fn(pctx))
	require.Len(t, reply.responses, 1)
}

func TestBrokerRegistryQueryRequestHandlerListsBrokers(t *testing.T) {
	reg := registry.New("local")
	reg.AddBroker("local", registry.DefaultTTL)
	reg.AddBroker("peer", registry.DefaultTTL)
	reply := &fakeReply{}
	d := &Deps{LocalBrokerID: "local", Registry: reg, Reply: reply}
	h := NewBrokerRegistryQueryRequestHandler(d)

	pctx, _ := requestPctx("/broker/registry/query")
	assert.False(t, h.Fn(pctx))
	require.Len(t, reply.responses, 1)
}

func TestClientRegistryQueryRequestHandlerListsClients(t *testing.T) {
	reply := &fakeReply{}
	d := &Deps{LocalBrokerID: "local", Reply: reply, Clients: &fakeClients{ids: []string{"c1"}}}
	h := NewClientRegistryQueryRequestHandler(d)

	pctx, msg := requestPctx("/client/registry/query")
	assert.False(t, h.Fn(pctx))
	require.Len(t, reply.responses, 1)
	assert.Same(t, msg, reply.responses[0])
}

func TestBrokerTopicQueryRequestHandlerReportsLocalTopics(t *testing.T) {
	reg := registry.New("local")
	reg.AddBroker("local", registry.DefaultTTL)
	reg.AddTopic("local", "/a")
	reply := &fakeReply{}
	d := &Deps{LocalBrokerID: "local", Registry: reg, Reply: reply}
	h := NewBrokerTopicQueryRequestHandler(d)

	raw, err := json.Marshal(map[string]any{"queryTopics": []string{"/a", "/b"}})
	require.NoError(t, err)
	msg := &codec.Message{Kind: codec.KindRequest, Payload: raw}
	pctx := pipeline.NewContext(1, "/broker/topic/query", nil, false, nil)
	pctx.SetMessage(msg)

	assert.False(t, h.Fn(pctx))
	require.Len(t, reply.payloads, 1)

	var resp brokerTopicQueryReply
	require.NoError(t, json.Unmarshal(reply.payloads[0], &resp))
	assert.True(t, resp.HasTopics)
}

func TestBrokerTopicQueryRequestHandlerPropagatesWhenNotAddressedHere(t *testing.T) {
	reg := registry.New("local")
	reply := &fakeReply{}
	d := &Deps{LocalBrokerID: "local", Registry: reg, Reply: reply}
	h := NewBrokerTopicQueryRequestHandler(d)

	msg := &codec.Message{Kind: codec.KindRequest, DestinationBroker: []string{"other"}}
	pctx := pipeline.NewContext(1, "/broker/topic/query", nil, false, nil)
	pctx.SetMessage(msg)

	assert.True(t, h.Fn(pctx))
	assert.Empty(t, reply.payloads)
}

func TestServiceRegistryQueryRequestHandlerFiltersByTenantInMultiTenantMode(t *testing.T) {
	svc := svcregistry.New("local", func(string) []string { return nil })
	svc.Register(&svcregistry.Registration{
		ServiceID: "s1", RequestTopics: []string{"/t"}, BrokerID: "local",
		TenantID: "tenant-a", TTLMinutes: 60, RegistrationTime: time.Now(),
	})
	reply := &fakeReply{}
	d := &Deps{Services: svc, MultiTenant: true, OpsTenant: "ops", Reply: reply}
	h := NewServiceRegistryQueryRequestHandler(d)

	msg := &codec.Message{Kind: codec.KindRequest, SourceTenantID: "tenant-b"}
	pctx := pipeline.NewContext(1, "/svc/registry/query", nil, false, nil)
	pctx.SetMessage(msg)

	assert.False(t, h.Fn(pctx))
	require.Len(t, reply.payloads, 1)

	var entries []serviceRegistryEntry
	require.NoError(t, json.Unmarshal(reply.payloads[0], &entries))
	assert.Empty(t, entries)
}
