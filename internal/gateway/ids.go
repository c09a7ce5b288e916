package gateway

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Correlation ids are client-generated so retries stay idempotent without
// coordinating with the manufacturer: a date prefix plus six random
// digits.

// NewPaymentThirdID returns a payment correlation id, PY + yyMMdd + 6
// random digits.
func NewPaymentThirdID(now time.Time) string {
	return "PY" + now.Format("060102") + randomDigits(6)
}

// NewOrderThirdID returns an order correlation id, OR + yyMMdd + 6 random
// digits.
func NewOrderThirdID(now time.Time) string {
	return "OR" + now.Format("060102") + randomDigits(6)
}

func randomDigits(n int) string {
	digits := make([]byte, n)
	max := big.NewInt(10)
	for i := range digits {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is
			// broken; fall back to a timestamp digit.
			digits[i] = byte('0' + (time.Now().UnixNano() % 10))
			continue
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits)
}
