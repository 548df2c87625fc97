package oracle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"synthd/native/requests"
)

// SignatureHeader carries the hex HMAC-SHA256 of the callback body.
const SignatureHeader = "X-Oracle-Signature"

// ErrBadSignature is returned when a callback fails authentication.
var ErrBadSignature = errors.New("oracle: invalid callback signature")

// Callback is the oracle network's answer to a request. Exactly one of
// Response or Err is normally populated.
type Callback struct {
	RequestID requests.ID   `json:"request_id"`
	Response  hexutil.Bytes `json:"response"`
	Err       hexutil.Bytes `json:"error"`
}

// Sign returns the signature expected in SignatureHeader for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return ErrBadSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "0x"))
	if err != nil || len(provided) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}
