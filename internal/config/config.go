// Package config loads the broker's startup configuration (YAML), its
// fabric and authorization policy files (JSON), and the general policy
// file (a flat key=value text format, parsed by hand rather than pulling
// in a library for a twenty-line scanner).
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dxlfabric/broker/internal/fabric"
)

// TenantLimits mirrors tenant.Limits in the startup file's own field
// names; internal/corebroker converts it when constructing tenant.Metrics.
type TenantLimits struct {
	MaxBytes         uint64 `yaml:"max_bytes"`
	MaxConnections   uint32 `yaml:"max_connections"`
	MaxServices      uint32 `yaml:"max_services"`
	MaxSubscriptions uint32 `yaml:"max_subscriptions"`
}

// Config is the broker's startup configuration: identity, listen address,
// policy file paths, and maintenance timing.
type Config struct {
	BrokerID string `yaml:"broker_id"`
	Hostname string `yaml:"hostname"`
	Port     uint32 `yaml:"port"`
	Zone     string `yaml:"zone"`

	FabricPolicyFile  string `yaml:"fabric_policy_file"`
	AuthzPolicyFile   string `yaml:"authz_policy_file"`
	GeneralPolicyFile string `yaml:"general_policy_file"`
	RevocationFile    string `yaml:"revocation_file"`

	MaintenanceIntervalSeconds int `yaml:"maintenance_interval_seconds"`

	MultiTenant  bool         `yaml:"multi_tenant"`
	OpsTenant    string       `yaml:"ops_tenant"`
	TenantLimits TenantLimits `yaml:"tenant_limits"`

	LogVerbosity int  `yaml:"log_verbosity"`
	Debug        bool `yaml:"debug"`
}

// Load reads and validates the YAML startup configuration at filename,
// filling in conservative defaults for anything left unset.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.BrokerID == "" {
		return nil, fmt.Errorf("config: broker_id is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 8883
	}
	if cfg.MaintenanceIntervalSeconds == 0 {
		cfg.MaintenanceIntervalSeconds = 30
	}
	if cfg.MaintenanceIntervalSeconds < 0 {
		return nil, fmt.Errorf("config: maintenance_interval_seconds cannot be negative: %d", cfg.MaintenanceIntervalSeconds)
	}
	if cfg.MultiTenant && cfg.OpsTenant == "" {
		return nil, fmt.Errorf("config: ops_tenant is required when multi_tenant is enabled")
	}

	return &cfg, nil
}

// fabricBrokerEntry and fabricHubEntry are the on-disk JSON shapes of the
// fabric topology's two node kinds; LoadFabricPolicy converts both into
// fabric.Node values.
type fabricBrokerEntry struct {
	ID          string `json:"id"`
	Hostname    string `json:"hostname"`
	AltHostname string `json:"altHostname"`
	Port        uint32 `json:"port"`
	ParentID    string `json:"parentId"`
	ServiceZone string `json:"serviceZone"`
}

type fabricHubEntry struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PrimaryBroker   string `json:"primaryBroker"`
	SecondaryBroker string `json:"secondaryBroker"`
	ParentID        string `json:"parentId"`
	ServiceZone     string `json:"serviceZone"`
}

type fabricPolicyFile struct {
	Brokers []fabricBrokerEntry `json:"brokers"`
	Hubs    []fabricHubEntry    `json:"hubs"`
}

// LoadFabricPolicy reads the fabric topology policy file (a `brokers` array
// and a `hubs` array) and returns the node list ready for
// fabric.NewConfiguration. A broker with a non-empty altHostname is not
// split into a separate node: altHostname is an alternate address for the
// same node, stored as the node's IPAddress, which the bridge factory dials
// as the IP variant after the hostname.
func LoadFabricPolicy(filename string) ([]fabric.Node, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read fabric policy file: %w", err)
	}
	var doc fabricPolicyFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse fabric policy file: %w", err)
	}

	nodes := make([]fabric.Node, 0, len(doc.Brokers)+len(doc.Hubs))
	for _, b := range doc.Brokers {
		nodes = append(nodes, fabric.Node{
			Kind:        fabric.KindBroker,
			ID:          b.ID,
			BrokerID:    b.ID,
			Hostname:    b.Hostname,
			IPAddress:   b.AltHostname,
			Port:        b.Port,
			ServiceZone: b.ServiceZone,
			ParentID:    b.ParentID,
		})
	}
	for _, h := range doc.Hubs {
		id := h.ID
		if id == "" {
			id = h.Name
		}
		nodes = append(nodes, fabric.Node{
			Kind:            fabric.KindHub,
			ID:              id,
			HubName:         h.Name,
			PrimaryBroker:   h.PrimaryBroker,
			SecondaryBroker: h.SecondaryBroker,
			ServiceZone:     h.ServiceZone,
			ParentID:        h.ParentID,
		})
	}
	return nodes, nil
}

// authzEntry is one {topic, clients[]} record in an authorization policy
// file's send or receive array.
type authzEntry struct {
	Topic   string   `json:"topic"`
	Clients []string `json:"clients"`
}

// authzPolicyFile is the on-disk JSON shape of the authorization policy:
// a send array (publish permissions) and a receive array (subscribe
// permissions), each a list of per-topic client allow-sets.
type authzPolicyFile struct {
	Send    []authzEntry `json:"send"`
	Receive []authzEntry `json:"receive"`
}

func entriesToTable(entries []authzEntry) map[string][]string {
	table := make(map[string][]string, len(entries))
	for _, e := range entries {
		table[e.Topic] = e.Clients
	}
	return table
}

// LoadAuthzPolicy reads the authorization policy file and returns the
// publish (from "send") and subscribe (from "receive") tables, ready for
// authz.Engine.SetAuthorizations.
func LoadAuthzPolicy(filename string) (publish, subscribe map[string][]string, err error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read authz policy file: %w", err)
	}
	var doc authzPolicyFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse authz policy file: %w", err)
	}
	return entriesToTable(doc.Send), entriesToTable(doc.Receive), nil
}

// LoadGeneralPolicy parses a flat key=value text file: one setting per
// line, blank lines and lines starting with '#' ignored, whitespace around
// the key and value trimmed.
func LoadGeneralPolicy(filename string) (map[string]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read general policy file: %w", err)
	}
	defer f.Close()

	settings := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		settings[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse general policy file: %w", err)
	}
	return settings, nil
}
