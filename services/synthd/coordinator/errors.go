package coordinator

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"synthd/native/requests"
	"synthd/native/token"
)

var (
	ErrUnauthorized           = errors.New("coordinator: caller not permitted")
	ErrZeroAmountRequested    = errors.New("coordinator: zero amount requested")
	ErrBelowMinimumWithdrawal = errors.New("coordinator: below minimum withdrawal")
	ErrInsufficientCollateral = errors.New("coordinator: insufficient collateral")
	ErrOracleExecution        = errors.New("coordinator: oracle execution failed")
	ErrThrottled              = errors.New("coordinator: issuance limit reached")
	ErrInsufficientBalance    = token.ErrInsufficientBalance
	ErrNothingToWithdraw      = token.ErrNothingToWithdraw

	// ErrFulfillmentDeferred means the token book could not persist the
	// outcome. The request stays pending so a redelivered callback can
	// complete it.
	ErrFulfillmentDeferred = errors.New("coordinator: fulfillment deferred")
	ErrNoPayoutJournal     = errors.New("coordinator: payout journal not configured")
	ErrPayoutClosed        = errors.New("coordinator: payout already settled")
)

// OracleError carries the error payload reported by the oracle network for a
// request. It unwraps to ErrOracleExecution.
type OracleError struct {
	RequestID requests.ID
	Payload   []byte
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("coordinator: oracle execution failed for %s: %s", e.RequestID.Hex(), describePayload(e.Payload))
}

func (e *OracleError) Unwrap() error { return ErrOracleExecution }

func describePayload(payload []byte) string {
	if utf8.Valid(payload) {
		printable := true
		for _, r := range string(payload) {
			if !unicode.IsPrint(r) {
				printable = false
				break
			}
		}
		if printable {
			return string(payload)
		}
	}
	return hexutil.Encode(payload)
}
