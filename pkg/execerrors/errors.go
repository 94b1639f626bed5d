// Package execerrors defines the error taxonomy of the execution core.
// Expected failures travel as wrapped sentinel errors; panics are reserved
// for protocol violations such as settling a reservation twice.
package execerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrNotWhitelisted is fatal for the operation: the destination is not
	// in the compiled-in allowlist. Never retried.
	ErrNotWhitelisted = errors.New("destination not whitelisted")

	// ErrLimitExceeded means the spending ledger refused the reservation.
	ErrLimitExceeded = errors.New("spending limit exceeded")

	// ErrRiskPolicyRejected means a pre-trade check denied the order.
	ErrRiskPolicyRejected = errors.New("risk policy rejected")

	// ErrSigningFailed means the wallet or key was unavailable or refused.
	ErrSigningFailed = errors.New("signing failed")

	// ErrVenueRejected is an exchange-side business rejection, surfaced
	// verbatim and not retried automatically.
	ErrVenueRejected = errors.New("venue rejected")

	// ErrSubmissionTimeout means the submission outcome is unknown. The
	// matching ledger reservation must be resolved by reconciliation, not
	// released optimistically.
	ErrSubmissionTimeout = errors.New("submission timed out")

	// ErrReconciliationUnresolved means no matching fills were found in the
	// window; the operation stays flagged pending for a later re-check.
	ErrReconciliationUnresolved = errors.New("reconciliation unresolved")
)

// FromHTTP maps a venue HTTP failure to a sentinel. Codes take priority over
// the raw status, matching how both venues report business rejections.
func FromHTTP(status int, code, message string) error {
	switch strings.ToUpper(code) {
	case "INSUFFICIENT_FUNDS", "INSUFFICIENT_COLLATERAL", "NOT_ENOUGH_MARGIN":
		return fmt.Errorf("%w: %s", ErrVenueRejected, message)
	case "INVALID_SIGNATURE":
		return fmt.Errorf("%w: %s", ErrSigningFailed, message)
	}
	switch {
	case status == 408 || status == 504:
		return fmt.Errorf("%w: status %d", ErrSubmissionTimeout, status)
	case status >= 400 && status < 500:
		if message == "" {
			message = fmt.Sprintf("status %d", status)
		}
		return fmt.Errorf("%w: %s", ErrVenueRejected, message)
	default:
		return fmt.Errorf("venue error: status %d: %s", status, message)
	}
}

// IsTimeout reports whether err represents an unknown-outcome submission:
// either the typed sentinel or an underlying transport deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSubmissionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
