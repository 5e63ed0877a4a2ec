package utils

import "github.com/google/uuid"

// GeneratePeerID returns a fresh peer identifier. Peer ids double as the
// glare tie-break key (lexicographic comparison), so they must be uniformly
// random and uniformly formatted.
func GeneratePeerID() string {
	return "peer-" + uuid.NewString()
}

// GenerateSignalID returns a mailbox row identifier.
func GenerateSignalID() string {
	return uuid.NewString()
}

// GenerateRequestID returns a transfer request identifier. The raw 16-byte
// form prefixes every binary chunk frame, so the id must be a UUID.
func GenerateRequestID() uuid.UUID {
	return uuid.New()
}
