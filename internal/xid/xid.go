// Package xid generates prefixed ids for ledger entities. Ids sort
// roughly by creation time, which keeps list endpoints stable without
// a database sequence.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id of the form "prefix-nanos-randomhex". The random
// suffix disambiguates ids minted in the same nanosecond.
func New(prefix string) string {
	now := time.Now().UnixNano()
	suffix := randomHex(8)
	if suffix == "" {
		return fmt.Sprintf("%s-%d", prefix, now)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now, suffix)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
