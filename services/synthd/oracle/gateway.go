package oracle

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"

	"synthd/native/requests"
)

var (
	// ErrMalformedResponse is returned when a fulfillment payload is not a
	// single 32-byte word.
	ErrMalformedResponse = errors.New("oracle: malformed response")
	// ErrSubmit wraps failures reaching the oracle network.
	ErrSubmit = errors.New("oracle: submit failed")
)

// DefaultMintSource reports the brokerage portfolio value.
//
//go:embed sources/mint.js
var DefaultMintSource string

// DefaultRedeemSource sells the redeemed shares and reports the proceeds.
//
//go:embed sources/redeem.js
var DefaultRedeemSource string

// Request is an outbound verification request.
type Request struct {
	Kind           requests.Kind
	Source         string
	Args           []string
	SubscriptionID uint64
	GasLimit       uint32
	DonID          string
}

// Gateway submits requests to the oracle network and returns the identifier
// the network will echo back in its callback.
type Gateway interface {
	Submit(ctx context.Context, req Request) (requests.ID, error)
}

// Forgetter is implemented by gateways that retain submitted requests until
// they are answered.
type Forgetter interface {
	Forget(id requests.ID)
}

const (
	codeLocationInline = 0
	languageJavaScript = 0
)

type payload struct {
	CodeLocation int      `cbor:"codeLocation"`
	Language     int      `cbor:"language"`
	Source       string   `cbor:"source"`
	Args         []string `cbor:"args,omitempty"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// EncodePayload serialises the request source and arguments as CBOR.
func EncodePayload(req Request) ([]byte, error) {
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("oracle: request source required")
	}
	return encMode.Marshal(payload{
		CodeLocation: codeLocationInline,
		Language:     languageJavaScript,
		Source:       req.Source,
		Args:         req.Args,
	})
}

// DecodePayload returns the source and arguments of an encoded request.
func DecodePayload(data []byte) (string, []string, error) {
	var p payload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return "", nil, fmt.Errorf("oracle: decode payload: %w", err)
	}
	return p.Source, p.Args, nil
}

// DecodeUint256 interprets a fulfillment response as one big-endian 32-byte
// word.
func DecodeUint256(response []byte) (*uint256.Int, error) {
	if len(response) != 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedResponse, len(response))
	}
	return new(uint256.Int).SetBytes32(response), nil
}

// EncodeUint256 is the inverse of DecodeUint256.
func EncodeUint256(v *uint256.Int) []byte {
	word := v.Bytes32()
	return word[:]
}

// LoadSource reads a request source from path, falling back to the embedded
// default when path is empty.
func LoadSource(path, fallback string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return fallback, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read oracle source: %w", err)
	}
	return string(raw), nil
}
