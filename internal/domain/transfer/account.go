package transfer

import "unicode/utf8"

// DefaultPrefixWidth is the number of leading characters of an account number
// that identify the owning bank.
const DefaultPrefixWidth = 4

// AccountNumber is an opaque account token. Its leading characters are the BankPrefix.
type AccountNumber string

// BankPrefix is the fixed-width routing key of an account number.
type BankPrefix string

// CorrelationID links a debit at one bank to the matching credit at another.
// It is issued by the debit bank ("unique_id" on the wire).
type CorrelationID string

// Prefix returns the first width characters of the account number.
// ok is false when the account number is shorter than width.
func (a AccountNumber) Prefix(width int) (prefix BankPrefix, ok bool) {
	if width <= 0 || utf8.RuneCountInString(string(a)) < width {
		return "", false
	}
	runes := []rune(string(a))
	return BankPrefix(runes[:width]), true
}

func (a AccountNumber) String() string { return string(a) }

func (p BankPrefix) String() string { return string(p) }

func (c CorrelationID) String() string { return string(c) }
