package bus

import "context"

// Deduper remembers recently processed message fingerprints.
// Claim returns true when fingerprint was already recorded inside the TTL window;
// otherwise it records it and returns false. Release forgets a fingerprint.
type Deduper interface {
	Claim(ctx context.Context, fingerprint, externalID string) (bool, error)
	Release(ctx context.Context, fingerprint string) error
}
