package types

// InboundEvent is an event delivered by a relay on one of our subscriptions
type InboundEvent struct {
	SubscriptionID string
	Relay          string
	Event          Event
}

// PublishResult records which relays acknowledged a published event
type PublishResult struct {
	AcceptedBy []string
	RejectedBy map[string]string // relay -> reason
}

// Accepted reports whether at least one relay stored the event.
func (r PublishResult) Accepted() bool {
	return len(r.AcceptedBy) > 0
}
