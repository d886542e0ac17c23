package handlers

import (
	"testing"

	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/registry"
	"github.com/dxlfabric/broker/internal/topiccache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exactMatch(subscribed, topic string) bool { return subscribed == topic }

func newPctxWithMessage(topic string, msg *codec.Message) *pipeline.Context {
	ctx := pipeline.NewContext(1, topic, nil, false, nil)
	ctx.SetMessage(msg)
	return ctx
}

func TestMessageRoutingBridgeDestinationHonorsExplicitBrokerList(t *testing.T) {
	dir := &fakeDirectory{bridges: map[string]bool{"broker-b": true}}
	d := &Deps{Principals: dir}
	h := NewMessageRoutingInsertHandler(d)

	msg := &codec.Message{Kind: codec.KindEvent, DestinationBroker: []string{"broker-c"}}
	pctx := newPctxWithMessage("/t", msg)

	assert.False(t, h(pctx, "broker-b"))
	msg.DestinationBroker = []string{"broker-b"}
	assert.True(t, h(pctx, "broker-b"))
}

func TestMessageRoutingBridgeAlwaysRoutePrefixBypassesTopicCache(t *testing.T) {
	dir := &fakeDirectory{bridges: map[string]bool{"broker-b": true}}
	d := &Deps{Principals: dir}
	h := NewMessageRoutingInsertHandler(d)

	msg := &codec.Message{Kind: codec.KindEvent}
	pctx := newPctxWithMessage("/mcafee/client/foo", msg)

	assert.True(t, h(pctx, "broker-b"))
}

func TestMessageRoutingClientDestinationFiltersByDestinationClientList(t *testing.T) {
	dir := &fakeDirectory{canonical: map[string]string{"c1": "c1-canonical"}}
	d := &Deps{Principals: dir}
	h := NewMessageRoutingInsertHandler(d)

	msg := &codec.Message{Kind: codec.KindEvent, DestinationClient: []string{"c2"}}
	pctx := newPctxWithMessage("/t", msg)

	assert.False(t, h(pctx, "c1"))

	msg2 := &codec.Message{Kind: codec.KindEvent, DestinationClient: []string{"c1"}}
	pctx2 := newPctxWithMessage("/t", msg2)
	assert.True(t, h(pctx2, "c1"))
}

func TestMessageRoutingClientDestinationAcceptsLocalFlagMatchOnBrokerID(t *testing.T) {
	dir := &fakeDirectory{}
	d := &Deps{Principals: dir, LocalBrokerID: "local"}
	h := NewMessageRoutingInsertHandler(d)

	msg := &codec.Message{Kind: codec.KindEvent, DestinationClient: []string{"local"}}
	pctx := newPctxWithMessage("/t", msg)
	pctx.Local = true

	assert.True(t, h(pctx, "some-client"))
}

func TestMessageRoutingMultiTenantRejectsNonParsedMessages(t *testing.T) {
	dir := &fakeDirectory{}
	d := &Deps{Principals: dir, MultiTenant: true}
	h := NewMessageRoutingInsertHandler(d)

	pctx := pipeline.NewContext(1, "/t", []byte("unparseable"), false, nil)
	assert.False(t, h(pctx, "c1"))
}

func TestMessageRoutingMultiTenantDefaultCaseCrossTenantRejected(t *testing.T) {
	dir := &fakeDirectory{tenants: map[string]string{"c1": "tenant-b"}}
	d := &Deps{Principals: dir, MultiTenant: true, OpsTenant: "ops"}
	h := NewMessageRoutingInsertHandler(d)

	msg := &codec.Message{Kind: codec.KindEvent, SourceTenantID: "tenant-a"}
	pctx := newPctxWithMessage("/t", msg)

	assert.False(t, h(pctx, "c1"))
}

func TestMessageRoutingMultiTenantOpsSourceBypassesTenantCheck(t *testing.T) {
	dir := &fakeDirectory{tenants: map[string]string{"c1": "tenant-b"}}
	d := &Deps{Principals: dir, MultiTenant: true, OpsTenant: "ops"}
	h := NewMessageRoutingInsertHandler(d)

	msg := &codec.Message{Kind: codec.KindEvent, SourceTenantID: "ops"}
	pctx := newPctxWithMessage("/t", msg)

	assert.True(t, h(pctx, "c1"))
}

func TestMessageRoutingFallsBackToHierarchyLookupWhenCacheInvalid(t *testing.T) {
	r := registry.New("a")
	for _, id := range []string{"a", "b", "e"} {
		require.True(t, r.AddBroker(id, registry.DefaultTTL))
	}
	require.True(t, r.AddPeer("a", "b"))
	require.True(t, r.AddPeer("b", "e"))
	require.True(t, r.AddTopic("e", "/topic/x"))

	cache := topiccache.NewService(r, exactMatch)
	cache.SetEnabled(false) // IsSubscriber now returns valid=false unconditionally

	dir := &fakeDirectory{bridges: map[string]bool{"b": true}}
	d := &Deps{Principals: dir, Registry: r, TopicCache: cache, LocalBrokerID: "a"}
	h := NewMessageRoutingInsertHandler(d)

	msg := &codec.Message{Kind: codec.KindEvent}
	pctx := newPctxWithMessage("/topic/x", msg)

	assert.True(t, h(pctx, "b"), "hierarchy lookup should find the deep subscriber on e")

	pctx2 := newPctxWithMessage("/topic/nope", msg)
	assert.False(t, h(pctx2, "b"))
}

func TestMessageRoutingGeneratesClientSpecificPayloadOnceForEvents(t *testing.T) {
	dir := &fakeDirectory{}
	d := &Deps{Principals: dir}
	h := NewMessageRoutingInsertHandler(d)

	msg := &codec.Message{Kind: codec.KindEvent, DestinationClient: []string{"c1", "c2"}}
	pctx := newPctxWithMessage("/t", msg)

	assert.True(t, h(pctx, "c1"))
	assert.True(t, pctx.ClientSpecificPayloadGenerated)

	got, _ := pctx.Message()
	assert.Empty(t, got.DestinationClient)
}
