package messaging

import (
	"time"

	"github.com/boristopalov/rtgym/pkg/core"
)

// Message carries one turn record from an episode to its sinks.
type Message struct {
	From      string   // episode ID
	To        []string // sink IDs; empty means every sink
	Record    core.TurnRecord
	Timestamp time.Time
}

// Broker fans turn records out to subscribed sinks
type Broker interface {
	// Publish delivers a message without blocking the decision loop
	Publish(msg Message) error
	// Subscribe registers a sink under an ID
	Subscribe(sinkID string, ch chan<- Message) error
	// Unsubscribe removes a sink
	Unsubscribe(sinkID string) error
}
