package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Sign returns the v1 signature over "<id>.<timestamp>.<payload>" and the
// timestamp it used.
func Sign(secret, id string, payload []byte, now time.Time) (signature string, timestamp int64) {
	timestamp = now.Unix()
	return "v1=" + digest(secret, id, timestamp, payload), timestamp
}

func Verify(secret, id string, payload []byte, timestamp int64, signature string) bool {
	expected := "v1=" + digest(secret, id, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyWithin is Verify plus a freshness check on the timestamp.
func VerifyWithin(secret, id string, payload []byte, timestamp int64, signature string, now time.Time, tolerance time.Duration) error {
	age := now.Sub(time.Unix(timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return fmt.Errorf("signing: timestamp outside tolerance (%s)", age.Truncate(time.Second))
	}
	if !Verify(secret, id, payload, timestamp, signature) {
		return fmt.Errorf("signing: signature mismatch")
	}
	return nil
}

func digest(secret, id string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
