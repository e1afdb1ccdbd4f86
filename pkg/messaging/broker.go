package messaging

import (
	"errors"
	"fmt"
	"sync"
)

var ErrSinkFull = errors.New("sink channel is full")

// SimpleBroker implements Broker. Subscribers are keyed by sink ID.
type SimpleBroker struct {
	subscribers map[string]chan<- Message
	dropped     map[string]int
	mu          sync.RWMutex
}

func NewBroker() *SimpleBroker {
	return &SimpleBroker{
		subscribers: make(map[string]chan<- Message),
		dropped:     make(map[string]int),
	}
}

// Publish sends a message to its recipients. A full sink does not stop
// delivery to the others; the message is dropped for that sink and the
// returned error names it.
func (b *SimpleBroker) Publish(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	recipients := msg.To
	if len(recipients) == 0 {
		for id := range b.subscribers {
			recipients = append(recipients, id)
		}
	}

	var errs []error
	for _, id := range recipients {
		ch, ok := b.subscribers[id]
		if !ok {
			continue
		}

		// Non-blocking send
		select {
		case ch <- msg:
		default:
			b.dropped[id]++
			errs = append(errs, fmt.Errorf("sink %s: %w", id, ErrSinkFull))
		}
	}
	return errors.Join(errs...)
}

func (b *SimpleBroker) Subscribe(sinkID string, ch chan<- Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sinkID]; exists {
		return fmt.Errorf("sink %s is already subscribed", sinkID)
	}

	b.subscribers[sinkID] = ch
	return nil
}

func (b *SimpleBroker) Unsubscribe(sinkID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sinkID]; !exists {
		return fmt.Errorf("sink %s is not subscribed", sinkID)
	}

	delete(b.subscribers, sinkID)
	return nil
}

// Dropped reports how many messages a sink missed because it was full.
func (b *SimpleBroker) Dropped(sinkID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[sinkID]
}

func (b *SimpleBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string]chan<- Message)
	b.dropped = make(map[string]int)
}
