package fabric

import (
	"math/rand"
)

// BridgeTarget is one candidate the local broker can dial to form a bridge
// connection, in priority order.
type BridgeTarget struct {
	Hostname string
	Port     uint32
	// IsPrimaryHubMember marks a target added because it is the primary
	// member of a hub this broker shares, rather than a parent-chain hop.
	IsPrimaryHubMember bool
}

// BridgeConfig is the ordered dial plan computed for one local broker by
// NewBridgeConfig. It is a pure function of the fabric configuration and
// the local broker id — no I/O.
type BridgeConfig struct {
	Targets      []BridgeTarget
	IsRoundRobin bool
	InitialIndex int
}

// NewBridgeConfig computes the bridge-candidate list for localBrokerID in
// priority order: (1) if the local broker is the secondary member of a
// hub, the primary member is added first (hostname then IP variant); (2)
// the parent node — a broker parent contributes its own hostname/IP
// variants, a hub parent contributes both members in lexicographic order
// of broker id. isRoundRobin is false whenever any primary-hub-member
// variant was prioritized ahead of the parent chain, true otherwise.
func NewBridgeConfig(cfg *Configuration, localBrokerID string) *BridgeConfig {
	bc := &BridgeConfig{}
	local, ok := cfg.BrokerNode(localBrokerID)
	if !ok {
		return bc
	}

	primaryCount := addPrimaryHub(bc, cfg, local)
	addParents(bc, cfg, local)

	bc.IsRoundRobin = primaryCount == 0
	if bc.IsRoundRobin && len(bc.Targets) > 0 {
		bc.InitialIndex = rand.Intn(len(bc.Targets))
	}
	return bc
}

// addPrimaryHub prepends the hub's primary member when the local broker is
// the secondary, mirroring CoreBridgeConfigurationFactory::addPrimaryHub's
// lexicographic tie-break: the lexicographically smaller broker id is
// primary, so if the local id compares greater than the other member's id,
// the local broker is non-primary and the other member is added first.
func addPrimaryHub(bc *BridgeConfig, cfg *Configuration, local Node) int {
	hub, ok := cfg.HubOf(local.BrokerID)
	if !ok {
		return 0
	}

	var otherID string
	switch local.BrokerID {
	case hub.PrimaryBroker:
		otherID = hub.SecondaryBroker
	case hub.SecondaryBroker:
		otherID = hub.PrimaryBroker
	default:
		return 0
	}
	if otherID == "" || local.BrokerID <= otherID {
		// Local is lexicographically smaller (or equal, degenerate): local
		// is the primary, nothing to prioritize ahead of it.
		return 0
	}

	other, ok := cfg.BrokerNode(otherID)
	if !ok {
		return 0
	}
	addBroker(bc, other, true)
	return 1
}

// addParents appends the targets reachable via the parent chain: a broker
// parent contributes itself, a hub parent contributes both members in
// lexicographic order of broker id. A hub member follows its hub's parent
// chain, so it never lists its own hub (and thus itself) as a parent.
func addParents(bc *BridgeConfig, cfg *Configuration, local Node) {
	parentID := local.ParentID
	if hub, ok := cfg.HubOf(local.BrokerID); ok {
		parentID = hub.ParentID
	}
	if parentID == "" {
		return
	}
	parent, ok := cfg.Node(parentID)
	if !ok {
		return
	}

	switch parent.Kind {
	case KindBroker:
		addBroker(bc, parent, false)
	case KindHub:
		members := sortedCopy([]string{parent.PrimaryBroker, parent.SecondaryBroker})
		for _, id := range members {
			if id == "" {
				continue
			}
			if n, ok := cfg.BrokerNode(id); ok {
				addBroker(bc, n, false)
			}
		}
	}
}

// addBroker appends the hostname variant and, when an IP address is
// configured, the IP variant of n.
func addBroker(bc *BridgeConfig, n Node, primary bool) {
	if n.Hostname != "" {
		bc.Targets = append(bc.Targets, BridgeTarget{
			Hostname:           n.Hostname,
			Port:               n.Port,
			IsPrimaryHubMember: primary,
		})
	}
	if n.IPAddress != "" && n.IPAddress != n.Hostname {
		bc.Targets = append(bc.Targets, BridgeTarget{
			Hostname:           n.IPAddress,
			Port:               n.Port,
			IsPrimaryHubMember: primary,
		})
	}
}
