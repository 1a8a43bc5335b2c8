package broadcast

// Event is one fire-and-forget notification to connected UI clients.
// Delivery is best-effort; clients reconcile via pull on reconnect.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Broadcaster fans an event out to everyone subscribed to a channel key.
type Broadcaster interface {
	Broadcast(channelKey string, event Event)
}

// Nop discards every event. Used when no realtime transport is wired up.
type Nop struct{}

func (Nop) Broadcast(string, Event) {}
