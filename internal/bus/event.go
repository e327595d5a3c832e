package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated name; subscribers filter by prefix. The
// namespaces in use:
//
//	server.*   parsed inbound wire events from the gateway
//	conn.*     connection lifecycle (opened, closed, reconnecting)
//	message.*  reconciled message state changes
//	chat.*     reconciled chat state changes
//	presence.* presence map updates
//	call.*     call signaling state changes
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
