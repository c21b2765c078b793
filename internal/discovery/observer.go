package discovery

import (
	"time"

	"github.com/danmuck/topoctl/internal/protocol"
)

// NodeEvent is emitted once per discovered node, in discovery order.
type NodeEvent struct {
	NodeID    string
	Neighbors []string
	// Count is the number of nodes discovered so far, including this one.
	Count     int
	RoundTrip time.Duration
}

// Observer receives engine notifications. Calls happen on the goroutine
// running Discover.
type Observer interface {
	StateChanged(from, to State)
	QuerySent(msg protocol.Message)
	MessageReceived(msg protocol.Message)
	ProtocolViolation(msg protocol.Message)
	NodeDiscovered(ev NodeEvent)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State) {}
func (NopObserver) QuerySent(protocol.Message) {}
func (NopObserver) MessageReceived(protocol.Message) {}
func (NopObserver) ProtocolViolation(protocol.Message) {}
func (NopObserver) NodeDiscovered(NodeEvent) {}

// Observers fans every notification out in slice order.
type Observers []Observer

func (o Observers) StateChanged(from, to State) {
	for _, obs := range o {
		obs.StateChanged(from, to)
	}
}

func (o Observers) QuerySent(msg protocol.Message) {
	for _, obs := range o {
		obs.QuerySent(msg)
	}
}

func (o Observers) MessageReceived(msg protocol.Message) {
	for _, obs := range o {
		obs.MessageReceived(msg)
	}
}

func (o Observers) ProtocolViolation(msg protocol.Message) {
	for _, obs := range o {
		obs.ProtocolViolation(msg)
	}
}

func (o Observers) NodeDiscovered(ev NodeEvent) {
	for _, obs := range o {
		obs.NodeDiscovered(ev)
	}
}
