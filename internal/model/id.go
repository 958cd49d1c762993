package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewCycleID generates a short cycle ID ("c-" + 12 hex chars).
func NewCycleID() string {
	return prefixedID("c", 12)
}

// NewActionID returns a random action ID.
func NewActionID() string {
	return "act-" + uuid.NewString()
}

// NewEntryID returns a random audit entry ID.
func NewEntryID() string {
	return "aud-" + uuid.NewString()
}

// UTCNowISO returns the current UTC time in ISO format with Z suffix.
func UTCNowISO() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// TimestampFormat is the layout used for timestamps in logs and audit lines.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

func prefixedID(prefix string, hexLen int) string {
	b := make([]byte, (hexLen+1)/2)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails
		return fmt.Sprintf("%s-%x", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b)[:hexLen])
}
