// Package registry holds the fabric's adjacency view of the broker
// hierarchy: which brokers exist, which are directly connected, and a
// memoized next-hop for every (from, to) pair the dispatcher has asked
// about. It answers "who do I forward this to" without re-walking the tree
// on every message.
package registry

import (
	"sync"
	"time"
)

// DefaultTTL mirrors the fabric's default broker time-to-live in seconds.
const DefaultTTL = 60

// TTLGrace is the extra slack a broker is given past its TTL before the
// maintenance sweep evicts it, to absorb ordinary heartbeat jitter.
const TTLGrace = 15 * time.Second

// State describes one broker's position and metadata in the hierarchy.
// Peers is the adjacency list: the set of broker ids directly connected to
// this one (parent and children alike — the registry does not distinguish
// direction, only the fabric-configuration layer does).
type State struct {
	BrokerID            string
	Hostname            string
	IPAddress           string
	Port                uint32
	WebSocketPort       uint32
	StartTime           time.Time
	TTLSeconds          uint32
	RegistrationTime    time.Time
	ConnectionLimit     uint32
	TopicRoutingEnabled bool
	Version             string

	Peers map[string]struct{}
	// Topics is the set of topics this broker (or its subtree, transitively
	// via bridge topic caches) has announced a subscriber for.
	Topics map[string]struct{}
}

func newState(brokerID string) *State {
	return &State{
		BrokerID:            brokerID,
		TopicRoutingEnabled: true,
		Peers:               map[string]struct{}{},
		Topics:              map[string]struct{}{},
	}
}

// clone returns a value copy safe to hand to callers outside the registry's
// lock.
func (s *State) clone() State {
	peers := make(map[string]struct{}, len(s.Peers))
	for p := range s.Peers {
		peers[p] = struct{}{}
	}
	topics := make(map[string]struct{}, len(s.Topics))
	for t := range s.Topics {
		topics[t] = struct{}{}
	}
	out := *s
	out.Peers = peers
	out.Topics = topics
	return out
}

// Visitor controls a depth-first traversal of the hierarchy: AllowVisit
// decides whether to descend into a neighbour at all, Visit is invoked once
// a node is actually entered and its return value decides whether the
// traversal keeps going.
type Visitor interface {
	AllowVisit(r *Registry, to string) bool
	Visit(r *Registry, to string) bool
}

// Registry is the adjacency graph plus the next-hop routing cache. The zero
// value is not usable; use New.
type Registry struct {
	mu        sync.RWMutex
	states    map[string]*State
	localID   string
	cache     *routeCache
}

// New returns an empty registry. localID names the broker this process is
// running as, which TTL maintenance never evicts.
func New(localID string) *Registry {
	return &Registry{
		states:  map[string]*State{},
		localID: localID,
		cache:   newRouteCache(),
	}
}

// AddBroker inserts or updates a broker's metadata. It never touches Peers
// or Topics — those are mutated through AddPeer/RemovePeer and
// AddTopic/RemoveTopic respectively. A newly added broker has topic routing
// enabled unless a WithTopicRouting option says otherwise.
func (r *Registry) AddBroker(brokerID string, ttl uint32, opts ...func(*State)) bool {
	if brokerID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[brokerID]
	if !ok {
		s = newState(brokerID)
		r.states[brokerID] = s
	}
	s.TTLSeconds = ttl
	s.RegistrationTime = time.Now()
	for _, opt := range opts {
		opt(s)
	}
	return true
}

// WithHostPort is an AddBroker option setting host/port metadata.
func WithHostPort(hostname string, port uint32) func(*State) {
	return func(s *State) {
		s.Hostname = hostname
		s.Port = port
	}
}

// WithTopicRouting is an AddBroker option toggling topic-based routing.
func WithTopicRouting(enabled bool) func(*State) {
	return func(s *State) { s.TopicRoutingEnabled = enabled }
}

// WithConnectionLimit is an AddBroker option recording the advertised
// per-broker client connection limit, sourced from the general policy file.
func WithConnectionLimit(limit uint32) func(*State) {
	return func(s *State) { s.ConnectionLimit = limit }
}

// RemoveBroker deletes a broker and every edge pointing at or from it,
// invalidating any routing-cache entry that could now be stale.
func (r *Registry) RemoveBroker(brokerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeBrokerLocked(brokerID)
}

func (r *Registry) removeBrokerLocked(brokerID string) bool {
	s, ok := r.states[brokerID]
	if !ok {
		return false
	}
	for peer := range s.Peers {
		if ps, ok := r.states[peer]; ok {
			delete(ps.Peers, brokerID)
		}
		r.cache.invalidateThrough(peer, brokerID)
	}
	delete(r.states, brokerID)
	r.cache.invalidateAllInvolving(brokerID)
	return true
}

// UpdateTTL refreshes a broker's advertised time-to-live without touching
// its registration timestamp.
func (r *Registry) UpdateTTL(brokerID string, ttl uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[brokerID]
	if !ok {
		return false
	}
	s.TTLSeconds = ttl
	return true
}

// Exists reports whether brokerID is currently registered.
func (r *Registry) Exists(brokerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.states[brokerID]
	return ok
}

// GetState returns a snapshot copy of a broker's state. The bool is false
// if the broker is unknown — callers must never fabricate a state for an
// unknown broker.
func (r *Registry) GetState(brokerID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[brokerID]
	if !ok {
		return State{}, false
	}
	return s.clone(), true
}

// AllStates returns a snapshot of every registered broker's state.
func (r *Registry) AllStates() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.clone())
	}
	return out
}

// AddPeer records a direct edge between two already-registered brokers.
// Referencing an unknown broker fails without side effects.
func (r *Registry) AddPeer(a, b string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sa, aok := r.states[a]
	sb, bok := r.states[b]
	if !aok || !bok {
		return false
	}
	sa.Peers[b] = struct{}{}
	sb.Peers[a] = struct{}{}
	r.cache.invalidate()
	return true
}

// RemovePeer deletes a direct edge and invalidates every routing-cache
// entry that crossed it, directly or transitively.
func (r *Registry) RemovePeer(a, b string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sa, aok := r.states[a]
	sb, bok := r.states[b]
	if !aok || !bok {
		return false
	}
	delete(sa.Peers, b)
	delete(sb.Peers, a)
	r.cache.invalidateThrough(a, b)
	r.cache.invalidateThrough(b, a)
	return true
}

// SetPeers atomically replaces a broker's entire adjacency set, used when a
// bulk topology update (e.g. a fabric snapshot) arrives.
func (r *Registry) SetPeers(brokerID string, peers []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[brokerID]
	if !ok {
		return false
	}
	for old := range s.Peers {
		if os, ok := r.states[old]; ok {
			delete(os.Peers, brokerID)
		}
	}
	s.Peers = map[string]struct{}{}
	for _, p := range peers {
		if ps, ok := r.states[p]; ok {
			s.Peers[p] = struct{}{}
			ps.Peers[brokerID] = struct{}{}
		}
	}
	r.cache.invalidate()
	return true
}

// AddTopic records that brokerID (or its subtree) has a subscriber for
// topic.
func (r *Registry) AddTopic(brokerID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[brokerID]
	if !ok {
		return false
	}
	s.Topics[topic] = struct{}{}
	return true
}

// RemoveTopic drops a topic subscription record for brokerID.
func (r *Registry) RemoveTopic(brokerID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[brokerID]
	if !ok {
		return false
	}
	delete(s.Topics, topic)
	return true
}

// HasTopic reports whether brokerID has a recorded subscriber for topic.
func (r *Registry) HasTopic(brokerID, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[brokerID]
	if !ok {
		return false
	}
	_, has := s.Topics[topic]
	return has
}

// BatchTopics invokes fn with successive batches of topics for brokerID,
// each batch no larger than charBudget characters, for outbound state
// transfer to a newly connected peer.
func (r *Registry) BatchTopics(brokerID string, charBudget int, fn func([]string)) bool {
	r.mu.RLock()
	s, ok := r.states[brokerID]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	topics := make([]string, 0, len(s.Topics))
	for t := range s.Topics {
		topics = append(topics, t)
	}
	r.mu.RUnlock()

	var batch []string
	chars := 0
	for _, t := range topics {
		if chars+len(t) > charBudget && len(batch) > 0 {
			fn(batch)
			batch = nil
			chars = 0
		}
		batch = append(batch, t)
		chars += len(t)
	}
	if len(batch) > 0 {
		fn(batch)
	}
	return true
}

// DepthFirstTraversal walks the hierarchy starting at start, calling
// visitor.AllowVisit before descending into each neighbour and
// visitor.Visit once a node is entered; traversal stops early if Visit
// returns false.
func (r *Registry) DepthFirstTraversal(start string, visitor Visitor) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	visited := map[string]bool{}
	r.depthFirst(start, visited, visitor)
}

func (r *Registry) depthFirst(node string, visited map[string]bool, visitor Visitor) bool {
	if visited[node] {
		return true
	}
	visited[node] = true
	if !visitor.Visit(r, node) {
		return false
	}
	s, ok := r.states[node]
	if !ok {
		return true
	}
	for peer := range s.Peers {
		if visited[peer] {
			continue
		}
		if !visitor.AllowVisit(r, peer) {
			continue
		}
		if !r.depthFirst(peer, visited, visitor) {
			return false
		}
	}
	return true
}

// GetNextBroker returns the neighbour of from that lies on the unique path
// to to, memoizing the answer in the routing cache. Empty string means no
// path was found (disconnected graph, or from/to unknown).
func (r *Registry) GetNextBroker(from, to string) string {
	if from == "" || to == "" || from == to {
		return ""
	}
	if next, ok := r.cache.get(from, to); ok {
		return next
	}

	r.mu.RLock()
	next := r.findNextHop(from, to)
	r.mu.RUnlock()

	if next != "" {
		r.cache.add(from, to, next)
	}
	return next
}

// findNextHop runs a DFS from "from", returning the first-hop neighbour
// whose subtree contains "to". Must be called with at least a read lock
// held.
func (r *Registry) findNextHop(from, to string) string {
	if _, ok := r.states[from]; !ok {
		return ""
	}
	if _, ok := r.states[to]; !ok {
		return ""
	}
	s := r.states[from]
	for peer := range s.Peers {
		if peer == to {
			return peer
		}
		visited := map[string]bool{from: true}
		if r.subtreeContains(peer, to, visited) {
			return peer
		}
	}
	return ""
}

func (r *Registry) subtreeContains(node, target string, visited map[string]bool) bool {
	if node == target {
		return true
	}
	if visited[node] {
		return false
	}
	visited[node] = true
	s, ok := r.states[node]
	if !ok {
		return false
	}
	for peer := range s.Peers {
		if r.subtreeContains(peer, target, visited) {
			return true
		}
	}
	return false
}

// subscriberVisitor implements Visitor to answer IsSubscriberInHierarchy:
// it short-circuits to Found=true the moment it sees a broker with topic
// routing disabled (conservative — routing cannot be pruned past that
// point) or a broker actually subscribed to Topic.
type subscriberVisitor struct {
	Topic        string
	Found        bool
	matchesTopic func(subscribed, topic string) bool
}

func (v *subscriberVisitor) AllowVisit(r *Registry, to string) bool {
	return !v.Found
}

func (v *subscriberVisitor) Visit(r *Registry, to string) bool {
	s, ok := r.states[to]
	if !ok {
		return true
	}
	if !s.TopicRoutingEnabled {
		v.Found = true
		return false
	}
	for t := range s.Topics {
		if v.matchesTopic(t, v.Topic) {
			v.Found = true
			return false
		}
	}
	return true
}

// IsSubscriberInHierarchy reports whether a subscriber for topic exists
// anywhere in the subtree reached by following the edge from brokerID to
// outgoingPeer. matchesTopic implements the MQTT-style wildcard semantics
// from the authorization engine so the registry need not import it.
func (r *Registry) IsSubscriberInHierarchy(brokerID, outgoingPeer, topic string, matchesTopic func(subscribed, topic string) bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.states[brokerID]; !ok {
		return false
	}
	if _, ok := r.states[outgoingPeer]; !ok {
		return false
	}

	v := &subscriberVisitor{Topic: topic, matchesTopic: matchesTopic}
	visited := map[string]bool{brokerID: true}
	r.depthFirstFrom(outgoingPeer, visited, v)
	return v.Found
}

func (r *Registry) depthFirstFrom(node string, visited map[string]bool, v *subscriberVisitor) {
	if visited[node] || v.Found {
		return
	}
	visited[node] = true
	if !v.Visit(r, node) {
		return
	}
	s, ok := r.states[node]
	if !ok {
		return
	}
	for peer := range s.Peers {
		if visited[peer] || v.Found {
			continue
		}
		if !v.AllowVisit(r, peer) {
			continue
		}
		r.depthFirstFrom(peer, visited, v)
	}
}

// RunMaintenance evicts every non-local broker whose registration time plus
// TTL plus TTLGrace has elapsed as of now.
func (r *Registry) RunMaintenance(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, s := range r.states {
		if id == r.localID {
			continue
		}
		deadline := s.RegistrationTime.Add(time.Duration(s.TTLSeconds)*time.Second + TTLGrace)
		if now.After(deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.removeBrokerLocked(id)
	}
	return expired
}
