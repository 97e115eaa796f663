package domain

import "time"

// FederationPolicy carries every federation toggle and bound. It is built
// once from the configuration and passed explicitly into the inbox
// dispatcher, the outbox and the delivery engine.
type FederationPolicy struct {
	// ManualApproval makes an inbound Follow create a pending request
	// instead of an auto-accepted follower edge.
	ManualApproval bool

	// DisableReactions drops incoming Like and Announce activities.
	DisableReactions bool

	// DisableIncomingInteractions drops incoming Create/Update replies.
	DisableIncomingInteractions bool

	// AllowUnsignedDelete exempts Delete activities from signature
	// verification. Every exemption taken is logged.
	AllowUnsignedDelete bool

	// RequirePublicAudience drops activities that neither carry the
	// public audience marker nor address a local actor directly.
	RequirePublicAudience bool

	// SharedInbox advertises a shared inbox endpoint and prefers the
	// shared inbox of followers during fan-out.
	SharedInbox bool

	MaxDeliveryAttempts int
	DeliveryWorkers     int
	DeliveryTimeout     time.Duration

	// FailureThreshold is the number of consecutive delivery failures
	// after which a follower edge is removed.
	FailureThreshold int

	// MaxClockSkew bounds how stale a signed request Date may be.
	MaxClockSkew time.Duration
}

// DefaultPolicy returns the policy used when the configuration does not
// override anything: open federation, signatures required everywhere.
func DefaultPolicy() FederationPolicy {
	return FederationPolicy{
		RequirePublicAudience: true,
		SharedInbox:           true,
		MaxDeliveryAttempts:   10,
		DeliveryWorkers:       8,
		DeliveryTimeout:       30 * time.Second,
		FailureThreshold:      15,
		MaxClockSkew:          12 * time.Hour,
	}
}
