package activitypub

import "errors"

// Error taxonomy of the federation surface. Inbound handling maps these
// onto HTTP statuses (401 for authentication failures, 400 for malformed
// payloads); the dispatcher absorbs everything further down and answers
// 202 regardless.
var (
	// ErrMalformedSignature marks a request whose signature material is
	// missing or unparseable.
	ErrMalformedSignature = errors.New("activitypub: malformed signature")

	// ErrSignatureInvalid marks a present signature that fails
	// verification, including a body digest mismatch.
	ErrSignatureInvalid = errors.New("activitypub: signature verification failed")

	// ErrRequestExpired marks a request whose Date header is outside the
	// accepted clock skew window.
	ErrRequestExpired = errors.New("activitypub: request date outside skew window")

	// ErrActorUnresolvable marks an actor whose document could not be
	// fetched or parsed.
	ErrActorUnresolvable = errors.New("activitypub: actor unresolvable")

	// ErrWrongHost marks a WebFinger response that points at a different
	// host than the one queried.
	ErrWrongHost = errors.New("activitypub: webfinger host mismatch")

	// ErrNoResolvableTarget marks an interaction that references no local
	// object. Dropped silently by the dispatcher.
	ErrNoResolvableTarget = errors.New("activitypub: no resolvable local target")

	// ErrDeliveryPermanent marks a delivery failure that must not be
	// retried (the destination is gone).
	ErrDeliveryPermanent = errors.New("activitypub: permanent delivery failure")
)
