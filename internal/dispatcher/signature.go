package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign computes the v1 webhook signature: HMAC-SHA256 over
// "<timestamp_ms>.<body>" keyed with the subscription's signing secret,
// hex encoded. Binding the timestamp into the signed string lets
// receivers reject replayed deliveries.
func Sign(secret string, timestampMS int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestampMS)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid v1 signature for the given body
// and timestamp. Comparison is constant time. Receivers should also bound
// the timestamp's age before trusting the payload.
func Verify(secret string, timestampMS int64, body []byte, sig string) bool {
	expected := Sign(secret, timestampMS, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}
