package handlers

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dxlfabric/broker/internal/codec"
	"github.com/dxlfabric/broker/internal/pipeline"
	"github.com/dxlfabric/broker/internal/svcregistry"
)

func replyJSON(d *Deps, request *codec.Message, payload any) {
	if d.Reply == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.Reply.SendError(request, ErrServiceUnavailable, err.Error())
		return
	}
	d.Reply.SendResponse(request, body)
}

type brokerHealthReply struct {
	BrokerID         string `json:"brokerId"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	Uptime           string `json:"uptime"`
	ConnectedBrokers int    `json:"connectedBrokers"`
	ConnectedClients string `json:"connectedClients"`
}

// NewBrokerHealthRequestHandler answers the broker-health broadcast query
// with liveness and load figures rendered in human-readable form.
func NewBrokerHealthRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}

		var clientCount string
		if d.Clients != nil {
			clientCount = humanize.Comma(int64(len(d.Clients.ClientIDs())))
		} else {
			clientCount = "0"
		}
		uptime := time.Duration(0)
		if !d.StartTime.IsZero() {
			uptime = time.Since(d.StartTime)
		}

		reply := brokerHealthReply{
			BrokerID:         d.LocalBrokerID,
			UptimeSeconds:    int64(uptime.Seconds()),
			Uptime:           humanize.RelTime(d.StartTime, time.Now(), "", ""),
			ConnectedBrokers: len(d.Registry.AllStates()),
			ConnectedClients: clientCount,
		}
		replyJSON(d, msg, reply)
		return false
	}}
}

type brokerSubsReply struct {
	BrokerID string   `json:"brokerId"`
	Topics   []string `json:"topics"`
}

// NewBrokerSubsRequestHandler answers a query for the set of topics the
// local broker's own registry entry records a subscriber for; topics held
// only by other brokers are not included.
func NewBrokerSubsRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		state, ok := d.Registry.GetState(d.LocalBrokerID)
		if !ok {
			replyJSON(d, msg, brokerSubsReply{BrokerID: d.LocalBrokerID})
			return false
		}
		topics := make([]string, 0, len(state.Topics))
		for t := range state.Topics {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		replyJSON(d, msg, brokerSubsReply{BrokerID: d.LocalBrokerID, Topics: topics})
		return false
	}}
}

type brokerTopicQueryRequest struct {
	BrokerID    string   `json:"brokerGuid"`
	QueryTopics []string `json:"queryTopics"`
}

type brokerTopicQueryReply struct {
	TopicCount int  `json:"topicCount"`
	HasTopics  bool `json:"hasTopics"`
}

// NewBrokerTopicQueryRequestHandler answers whether a given broker (this
// one by default) carries a subscriber for any of the queried topics.
// Requests explicitly addressed elsewhere are left to propagate; a
// request addressed to several brokers including this one still
// propagates after this broker replies.
func NewBrokerTopicQueryRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		if len(msg.DestinationBroker) > 0 && !containsString(msg.DestinationBroker, d.LocalBrokerID) {
			return true
		}

		var q brokerTopicQueryRequest
		_ = json.Unmarshal(msg.Payload, &q)
		brokerID := q.BrokerID
		if brokerID == "" {
			brokerID = d.LocalBrokerID
		}

		state, ok := d.Registry.GetState(brokerID)
		hasTopics := false
		topicCount := 0
		if ok {
			topicCount = len(state.Topics)
			for _, t := range q.QueryTopics {
				if d.Registry.HasTopic(brokerID, t) {
					hasTopics = true
					break
				}
			}
		}

		replyJSON(d, msg, brokerTopicQueryReply{TopicCount: topicCount, HasTopics: hasTopics})
		return len(msg.DestinationBroker) > 1
	}}
}

type brokerRegistryEntry struct {
	BrokerID string   `json:"brokerId"`
	Hostname string   `json:"hostname"`
	Port     uint32   `json:"port"`
	Peers    []string `json:"peers"`
}

// NewBrokerRegistryQueryRequestHandler answers a broadcast query for the
// full broker membership this broker knows about.
func NewBrokerRegistryQueryRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		states := d.Registry.AllStates()
		entries := make([]brokerRegistryEntry, 0, len(states))
		for _, s := range states {
			peers := make([]string, 0, len(s.Peers))
			for p := range s.Peers {
				peers = append(peers, p)
			}
			sort.Strings(peers)
			entries = append(entries, brokerRegistryEntry{
				BrokerID: s.BrokerID, Hostname: s.Hostname, Port: s.Port, Peers: peers,
			})
		}
		replyJSON(d, msg, entries)
		return false
	}}
}

// NewClientRegistryQueryRequestHandler answers a broadcast query for the
// client ids currently connected to this broker.
func NewClientRegistryQueryRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		var ids []string
		if d.Clients != nil {
			ids = append(ids, d.Clients.ClientIDs()...)
		}
		sort.Strings(ids)
		replyJSON(d, msg, struct {
			BrokerID string   `json:"brokerId"`
			Clients  []string `json:"clients"`
		}{BrokerID: d.LocalBrokerID, Clients: ids})
		return false
	}}
}

type serviceRegistryEntry struct {
	ServiceID     string   `json:"serviceId"`
	ServiceType   string   `json:"serviceType"`
	RequestTopics []string `json:"requestTopics"`
	BrokerID      string   `json:"brokerId"`
}

// NewServiceRegistryQueryRequestHandler answers a broadcast query for the
// services this broker knows about, filtered to those visible to the
// caller's tenant under multi-tenant mode.
func NewServiceRegistryQueryRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		all := d.Services.All()
		entries := make([]serviceRegistryEntry, 0, len(all))
		for _, reg := range all {
			if d.MultiTenant && !svcregistry.VisibleToTenant(reg, msg.SourceTenantID, d.OpsTenant) {
				continue
			}
			entries = append(entries, serviceRegistryEntry{
				ServiceID: reg.ServiceID, ServiceType: reg.ServiceType,
				RequestTopics: reg.RequestTopics, BrokerID: reg.BrokerID,
			})
		}
		replyJSON(d, msg, entries)
		return false
	}}
}
