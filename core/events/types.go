package events

// Payload is the wire representation of a ledger event: a type tag plus a flat
// attribute map. Downstream consumers (webhook deliveries, the websocket
// stream, indexers) receive payloads serialised as JSON.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
