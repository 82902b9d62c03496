package bank

import (
	"context"
	"errors"
	"fmt"
	"net"

	domainerrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
)

// Operation names one call of the bank service API.
type Operation string

const (
	OpValidateCredit Operation = "validate_credit_account"
	OpDebit          Operation = "debit"
	OpCredit         Operation = "credit"
	OpReverse        Operation = "reverse_debit"
)

// mutates reports whether the operation changes balances at the bank.
func (o Operation) mutates() bool {
	return o != OpValidateCredit
}

// CallError is returned by every failed bank call.
type CallError struct {
	Op         Operation
	Bank       transfer.BankPrefix
	BaseURL    string
	StatusCode int
	Err        error
	// Uncertain is set when the bank may have applied the call: the request
	// left this process but no usable answer came back.
	Uncertain bool
	// Body is a prefix of the response body, for logs.
	Body string
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("bank %s %s", e.Bank, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Uncertain {
		msg += " (outcome uncertain)"
	}
	return msg
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsUncertain reports whether err comes from a bank call that may have been applied.
func IsUncertain(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Uncertain
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// retryable reports whether another try with the same idempotency key may help.
func retryable(err error) bool {
	if errors.Is(err, domainerrors.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, domainerrors.ErrBankUnavailable)
}

// notSent reports transport errors raised before the request reached the bank.
func notSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
