package domain

// ClaimedChunk is what a queue backend hands to the worker runtime: the
// chunk itself plus Ack/Nack callbacks closing over the backend-specific
// delivery handle. The runtime never reaches into backend internals
// directly — it only ever calls these two closures.
type ClaimedChunk struct {
	Chunk Claim

	// Ack confirms completion; after Ack the chunk must not be
	// redelivered.
	Ack func() error

	// Nack signals failure with a human-readable reason. On backends
	// with native retry this schedules a retry or dead-letter and
	// then positively acknowledges the original delivery.
	Nack func(reason string) error
}
