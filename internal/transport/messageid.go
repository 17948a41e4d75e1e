package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var messageIDPattern = regexp.MustCompile(`^<[^<>@\s]+@[^<>@\s]+>$`)

// GenerateMessageID builds an RFC 5322 Message-Id scoped to the sender's
// domain: <unixnano.randomhex@domain>.
func GenerateMessageID(domain string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}

// DeriveMessageID builds the Message-Id for a planned exchange from the
// job id and the pair's position in it. A redelivered job derives the
// same id, which is what lets the dispatch deduper recognize a pair
// that already went out on an earlier delivery.
func DeriveMessageID(jobID string, pairIndex int, domain string) string {
	return fmt.Sprintf("<%s.%d@%s>", jobID, pairIndex, domain)
}

// ValidMessageID reports whether id looks like a usable Message-Id.
// Records with malformed ids short-circuit verification into a failed
// classification instead of silently passing.
func ValidMessageID(id string) bool {
	return messageIDPattern.MatchString(id)
}
