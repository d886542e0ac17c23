package handlers

// ClientEnumerator lists the client ids currently connected to this
// broker. The client-registry-query handler uses it to answer broadcast
// queries about locally attached clients; corebroker wires it to the
// transport's connection table.
type ClientEnumerator interface {
	ClientIDs() []string
}
