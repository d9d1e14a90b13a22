package exchange

import (
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
)

// Binance futures error codes the control loop has named policies for.
const (
	codeTooManyRequests  = -1003
	codeImmediateTrigger = -2021 // "Order would immediately trigger."
	codeNoNeedToChange   = -4046 // leverage already at requested value
	codeLeverageLocked   = -4161 // cannot reduce leverage with open position
)

// APIError is the venue-agnostic classification of a gateway failure.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.Code, e.Message)
}

func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var ce *common.APIError
	if errors.As(err, &ce) {
		return &APIError{Code: ce.Code, Message: ce.Message}
	}
	return err
}

// IsRateLimited reports a request-weight rejection; callers back off and let
// the next cycle retry.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == codeTooManyRequests
}

// IsImmediateTrigger reports the "would trigger immediately" rejection of a
// protective order. Expected, not an error: the caller nudges the trigger
// price and resubmits once.
func IsImmediateTrigger(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == codeImmediateTrigger
}

// IsLeverageRejected reports the expected leverage-change rejections (already
// set, or locked by an open position). The documented fallback is to keep the
// current leverage and continue.
func IsLeverageRejected(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == codeNoNeedToChange || ae.Code == codeLeverageLocked
}
