package llm

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// NewID returns a 24 character hex id: a 4 byte unix timestamp followed by
// 8 random bytes, so ids sort roughly by creation time.
func NewID() string {
	id := make([]byte, 12)
	binary.BigEndian.PutUint32(id[:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(id[4:])
	return hex.EncodeToString(id)
}

func isValidID(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil && len(s) == 24
}

// EnsureBatchID returns s when it is a well formed id, or a fresh one.
func EnsureBatchID(s string) string {
	if !isValidID(s) {
		return NewID()
	}
	return s
}
