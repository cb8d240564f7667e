// ABOUTME: Verification of the X-Hub-Signature-256 header on webhook deliveries
// ABOUTME: HMAC-SHA256 over the raw body keyed with the app secret

package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the body signature on webhook POSTs.
const SignatureHeader = "X-Hub-Signature-256"

// ErrInvalidSignature is returned when a delivery's signature is missing or wrong.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign returns the header value Meta would send for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body.
func VerifySignature(appSecret string, body []byte, header string) error {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
