package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Binance error codes the engine reacts to. The full list is much longer;
// anything not classified below is treated as fatal by callers.
const (
	codeDisconnected      = -1001
	codeTimeout           = -1007
	codeTimestampOutside  = -1021
	codeTooManyRequests   = -1003
	codeFilterFailure     = -1013
	codePrecision         = -1111
	codeMarginInsufficent = -2019
	codeWouldTrigger      = -2021
	codeLeverageRange     = -4028
	codeMinNotional       = -4164
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	Status int    // HTTP status
	Code   int    // exchange error code
	Msg    string // exchange error message
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// IsRateLimited reports an HTTP 429/418 rejection. These are retried, and
// they also feed the rate budget's down-tuning.
func IsRateLimited(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusTooManyRequests || ae.Status == 418 || ae.Code == codeTooManyRequests
	}
	return false
}

// IsTransient reports errors worth retrying as-is: network faults, 5xx,
// rate limits, and the exchange's own transient codes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if IsRateLimited(err) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		if ae.Status >= 500 {
			return true
		}
		switch ae.Code {
		case codeDisconnected, codeTimeout, codeTimestampOutside:
			return true
		}
	}
	return false
}

// IsWouldTrigger reports the stop-specific "order would immediately trigger"
// rejection. Handled by the engine's widen-and-retry loop, never by the
// client's generic retry.
func IsWouldTrigger(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == codeWouldTrigger
}

// IsInvalidParam reports parameter rejections (precision, filters, notional,
// leverage). Callers may correct the parameter once and retry; never retried
// as-is.
func IsInvalidParam(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case codeFilterFailure, codePrecision, codeMarginInsufficent, codeLeverageRange, codeMinNotional:
		return true
	}
	return false
}
