// internal/utils/crypto.go
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
)

const keyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func GenerateRandomString(length int) (string, error) {
	b := make([]byte, length)

	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keyCharset))))
		if err != nil {
			return "", err
		}
		b[i] = keyCharset[n.Int64()]
	}

	return string(b), nil
}

// GenerateLicenseKey produces an opaque key in the
// XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX format. The key is not derivable from
// the purchase code.
func GenerateLicenseKey() (string, error) {
	raw, err := GenerateRandomString(32)
	if err != nil {
		return "", err
	}
	parts := []string{raw[0:8], raw[8:16], raw[16:24], raw[24:32]}
	return strings.Join(parts, "-"), nil
}

// GeneratePurchaseCode produces an XXXX-XXXX-XXXX-XXXX code for licenses
// issued outside the marketplace.
func GeneratePurchaseCode() (string, error) {
	raw, err := GenerateRandomString(16)
	if err != nil {
		return "", err
	}
	parts := []string{raw[0:4], raw[4:8], raw[8:12], raw[12:16]}
	return strings.Join(parts, "-"), nil
}

// HashString returns the hex sha256 of the input. Purchase codes are only
// ever logged through this.
func HashString(input string) string {
	hasher := sha256.New()
	hasher.Write([]byte(input))
	return hex.EncodeToString(hasher.Sum(nil))
}
