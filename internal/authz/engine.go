// Package authz implements the per-topic publish/subscribe authorization
// engine: topic pattern to allowed-key mappings, with MQTT-style wildcard
// matching over the pattern side.
package authz

import "strings"

// Direction distinguishes the publish and subscribe authorization tables;
// they are structurally identical but never consulted together.
type Direction int

const (
	Publish Direction = iota
	Subscribe
)

// Principal is the identity being checked against an authorization table.
// A client is identified either by its client id or, for unmanaged
// clients, by one or more certificate hashes; ClientID is tried first, and
// if either entry is present in the allow-set, access is granted.
type Principal struct {
	ClientID   string
	CertHashes []string
}

// table is one direction's topic-pattern -> allow-set mapping.
type table struct {
	patterns        map[string]map[string]bool
	wildcardEnabled bool
}

func newTable() *table {
	return &table{patterns: map[string]map[string]bool{}}
}

func (t *table) set(entries map[string][]string) {
	t.patterns = make(map[string]map[string]bool, len(entries))
	t.wildcardEnabled = false
	for pattern, keys := range entries {
		set := make(map[string]bool, len(keys))
		for _, k := range keys {
			set[k] = true
		}
		t.patterns[pattern] = set
		if isWildcardPattern(pattern) {
			t.wildcardEnabled = true
		}
	}
}

// allowed reports whether principal may act on topic. A topic matched by no
// pattern in the table is unrestricted (allow); a topic matched by one or
// more patterns is allowed iff principal is in at least one matched
// pattern's allow-set. When wildcardEnabled is false every pattern is a
// literal topic, so this degenerates to a single map probe.
func (t *table) allowed(p Principal, topic string) bool {
	if !t.wildcardEnabled {
		set, ok := t.patterns[topic]
		if !ok {
			return true
		}
		return principalInSet(p, set)
	}

	matched := false
	for pattern, set := range t.patterns {
		if pattern == topic || (isWildcardPattern(pattern) && topicMatches(pattern, topic)) {
			matched = true
			if principalInSet(p, set) {
				return true
			}
		}
	}
	return !matched
}

func principalInSet(p Principal, set map[string]bool) bool {
	if p.ClientID != "" && set[p.ClientID] {
		return true
	}
	for _, h := range p.CertHashes {
		if set[h] {
			return true
		}
	}
	return false
}

// Engine is the authorization engine holding both direction tables.
type Engine struct {
	publish   *table
	subscribe *table
}

// New returns an engine with empty (unrestricted) tables.
func New() *Engine {
	return &Engine{publish: newTable(), subscribe: newTable()}
}

// SetAuthorizations replaces one direction's topic-pattern -> allowed-keys
// mapping wholesale, as happens when the authorization policy file is
// reloaded.
func (e *Engine) SetAuthorizations(dir Direction, entries map[string][]string) {
	e.tableFor(dir).set(entries)
}

func (e *Engine) tableFor(dir Direction) *table {
	if dir == Publish {
		return e.publish
	}
	return e.subscribe
}

// IsAuthorized reports whether principal may act in direction dir on
// topic. A topic with no entry in the relevant table is unrestricted.
func (e *Engine) IsAuthorized(dir Direction, principal Principal, topic string) bool {
	return e.tableFor(dir).allowed(principal, topic)
}

// isWildcardPattern reports whether pattern contains an MQTT wildcard
// character.
func isWildcardPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "+#")
}

// topicMatches implements MQTT-style wildcard matching of pattern against
// topic: '+' matches exactly one level, a trailing '#' matches zero or
// more remaining levels.
func topicMatches(pattern, topic string) bool {
	pLevels := strings.Split(pattern, "/")
	tLevels := strings.Split(topic, "/")

	for i, pl := range pLevels {
		if pl == "#" {
			return i == len(pLevels)-1
		}
		if i >= len(tLevels) {
			return false
		}
		if pl == "+" {
			continue
		}
		if pl != tLevels[i] {
			return false
		}
	}
	return len(pLevels) == len(tLevels)
}
