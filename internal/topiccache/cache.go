// Package topiccache answers "does anything reachable through this bridge
// peer subscribe to this topic" without re-walking the broker hierarchy on
// every message. One Service exists per broker; it owns one BridgeCache per
// outgoing bridge peer, each of which incrementally builds its own view of
// the reachable subtree.
//
// The service is driven entirely by the pipeline's single dispatch thread:
// none of its methods take a lock.
package topiccache

import (
	"strings"

	"github.com/dxlfabric/broker/internal/registry"
)

// MatchFunc implements MQTT-style wildcard matching between a cached
// subscription pattern and a concrete topic. The authz package owns the
// real implementation; this package only needs the function shape.
type MatchFunc func(pattern, topic string) bool

type buildState int

const (
	stateStart buildState = iota
	stateBuilding
	stateCompleted
)

// BridgeCache is the incremental, per-bridge-peer view of every topic
// reachable by routing through that peer.
type BridgeCache struct {
	peer  string
	state buildState

	// reachable is the full set of brokers discovered during the Start
	// traversal, in visit order so Building can advance one per Step.
	reachable     []string
	reachableSet  map[string]bool
	nextToVisit   int
	visitedBroker map[string]bool

	topics        map[string]bool
	wildcardCount int

	routingDisabled bool
}

func newBridgeCache(peer string) *BridgeCache {
	return &BridgeCache{
		peer:          peer,
		state:         stateStart,
		reachableSet:  map[string]bool{},
		visitedBroker: map[string]bool{},
		topics:        map[string]bool{},
	}
}

// reachVisitor is the registry.Visitor used by Start to enumerate the
// bridge's subtree without copying the graph.
type reachVisitor struct {
	order *[]string
	set   map[string]bool
}

func (v *reachVisitor) AllowVisit(r *registry.Registry, to string) bool { return true }
func (v *reachVisitor) Visit(r *registry.Registry, to string) bool {
	if !v.set[to] {
		v.set[to] = true
		*v.order = append(*v.order, to)
	}
	return true
}

// start runs the Start phase: DFS from peer, recording the reachable set.
// If any reachable broker already has topic routing disabled, the cache
// flips straight to Completed in the disabled state rather than building
// topic-by-topic — there is nothing to gain from precision once a hop in
// the path cannot be pruned on topic at all.
func (c *BridgeCache) start(r *registry.Registry) {
	v := &reachVisitor{order: &c.reachable, set: c.reachableSet}
	r.DepthFirstTraversal(c.peer, v)

	for _, id := range c.reachable {
		st, ok := r.GetState(id)
		if ok && !st.TopicRoutingEnabled {
			c.routingDisabled = true
			c.state = stateCompleted
			return
		}
	}
	c.state = stateBuilding
}

// step advances the Building phase by exactly one broker, copying its
// current topic set into the cache.
func (c *BridgeCache) step(r *registry.Registry) {
	if c.state != stateBuilding {
		return
	}
	if c.nextToVisit >= len(c.reachable) {
		c.state = stateCompleted
		return
	}
	brokerID := c.reachable[c.nextToVisit]
	c.nextToVisit++
	c.visitedBroker[brokerID] = true

	st, ok := r.GetState(brokerID)
	if ok {
		for t := range st.Topics {
			if !c.topics[t] {
				c.topics[t] = true
				if isWildcard(t) {
					c.wildcardCount++
				}
			}
		}
	}
	if c.nextToVisit >= len(c.reachable) {
		c.state = stateCompleted
	}
}

// isSubscriber advances the build by one step (lookups drive construction)
// then answers. valid is false only while still Building.
func (c *BridgeCache) isSubscriber(r *registry.Registry, topic string, match MatchFunc) (valid, result bool) {
	if c.state == stateBuilding {
		c.step(r)
	}
	if c.state == stateStart {
		c.start(r)
		if c.state == stateBuilding {
			c.step(r)
		}
	}
	if c.state == stateBuilding {
		return false, false
	}
	// Completed.
	if c.routingDisabled {
		return true, true
	}
	if c.topics[topic] {
		return true, true
	}
	if c.wildcardCount > 0 {
		for pattern := range c.topics {
			if isWildcard(pattern) && match(pattern, topic) {
				return true, true
			}
		}
	}
	return true, false
}

// addTopic applies an incremental topic-add to this cache: only relevant if
// the broker is within the already-visited prefix of the reachable set, so
// a broker the builder has not reached yet will pick the topic up naturally
// when Building gets there.
func (c *BridgeCache) addTopic(brokerID, topic string) {
	if c.state == stateCompleted && c.routingDisabled {
		return
	}
	if !c.reachableSet[brokerID] || !c.visitedBroker[brokerID] {
		return
	}
	if !c.topics[topic] {
		c.topics[topic] = true
		if isWildcard(topic) {
			c.wildcardCount++
		}
	}
}

// removeTopic drops a topic from this cache only if no other broker within
// the visited prefix still holds it — the cache has no per-broker topic
// breakdown, so the service must ask the registry before calling this.
func (c *BridgeCache) removeTopic(topic string, stillHeldElsewhere bool) {
	if stillHeldElsewhere {
		return
	}
	if c.topics[topic] {
		delete(c.topics, topic)
		if isWildcard(topic) {
			c.wildcardCount--
		}
	}
}

func isWildcard(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

// Service owns one BridgeCache per outgoing bridge peer for a single
// broker. It is driven from the pipeline's single dispatch thread and is
// not safe for concurrent use.
type Service struct {
	registry *registry.Registry
	match    MatchFunc

	enabled bool
	caches  map[string]*BridgeCache

	disabledUntil int64 // unix seconds; 0 means not parked
}

// NewService builds a topic-cache service bound to r, using match for
// wildcard comparisons when a bridge cache answers a lookup.
func NewService(r *registry.Registry, match MatchFunc) *Service {
	return &Service{
		registry: r,
		match:    match,
		enabled:  true,
		caches:   map[string]*BridgeCache{},
	}
}

// Match exposes the service's configured wildcard-comparison function, for
// callers that need to fall back to a non-cached lookup using the same
// matching rule (e.g. registry.IsSubscriberInHierarchy).
func (s *Service) Match(pattern, topic string) bool {
	return s.match(pattern, topic)
}

// SetEnabled applies the tick's read of the global enable flag. A
// disabled-to-enabled transition drops all cached state so the next lookup
// starts a clean build.
func (s *Service) SetEnabled(enabled bool) {
	if enabled && !s.enabled {
		s.caches = map[string]*BridgeCache{}
	}
	s.enabled = enabled
}

// Clear drops all bridge caches immediately.
func (s *Service) Clear() {
	s.caches = map[string]*BridgeCache{}
}

// ClearWithDelay drops all state and parks the service as disabled until
// nowUnix+delaySeconds, used when a cascading event (e.g. a fabric-topology
// change) makes rebuilding immediately wasteful.
func (s *Service) ClearWithDelay(nowUnix, delaySeconds int64) {
	s.Clear()
	s.enabled = false
	s.disabledUntil = nowUnix + delaySeconds
}

// Tick re-enables the service once disabledUntil has passed; callers
// should invoke this once per maintenance tick.
func (s *Service) Tick(nowUnix int64) {
	if s.disabledUntil != 0 && nowUnix >= s.disabledUntil {
		s.disabledUntil = 0
		s.SetEnabled(true)
	}
}

func (s *Service) cacheFor(peer string) *BridgeCache {
	c, ok := s.caches[peer]
	if !ok {
		c = newBridgeCache(peer)
		s.caches[peer] = c
	}
	return c
}

// IsSubscriber reports whether a subscriber for topic is reachable through
// bridge. When the service is globally disabled, the cache has nothing to
// say at all, so this returns valid=false; the caller must fall back to a
// non-cached lookup rather than treat absence of an answer as presence of
// a subscriber.
func (s *Service) IsSubscriber(bridge, topic string) (valid, result bool) {
	if !s.enabled {
		return false, false
	}
	return s.cacheFor(bridge).isSubscriber(s.registry, topic, s.match)
}

// AddTopic propagates a new subscription on brokerID to every bridge cache
// whose reachable set contains it.
func (s *Service) AddTopic(brokerID, topic string) {
	if !s.enabled {
		return
	}
	for _, c := range s.caches {
		c.addTopic(brokerID, topic)
	}
}

// RemoveTopic propagates a subscription removal to every bridge cache.
// stillHeld reports whether any broker in the fabric still holds topic
// after the removal; the
// registry is the source of truth for that, not this cache.
func (s *Service) RemoveTopic(topic string, stillHeld bool) {
	if !s.enabled {
		return
	}
	for _, c := range s.caches {
		c.removeTopic(topic, stillHeld)
	}
}
