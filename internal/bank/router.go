package bank

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
)

// Endpoint is a bank service resolved from an account prefix.
type Endpoint struct {
	Prefix  transfer.BankPrefix
	BaseURL string
}

// RoutingError reports an account no bank is registered for.
type RoutingError struct {
	Account transfer.AccountNumber
	Prefix  transfer.BankPrefix
}

func (e *RoutingError) Error() string {
	if e.Prefix == "" {
		return fmt.Sprintf("account %q is shorter than the bank prefix", e.Account)
	}
	return fmt.Sprintf("no bank registered for prefix %q", e.Prefix)
}

func (e *RoutingError) Unwrap() error {
	return errors.ErrRoutingFailed
}

// Router maps account numbers to the bank owning them. It is built once and
// never mutated.
type Router struct {
	width int
	table map[transfer.BankPrefix]string
}

// NewRouter builds a Router from a prefix to base URL table.
func NewRouter(width int, routes map[string]string) (*Router, error) {
	if width <= 0 {
		return nil, fmt.Errorf("prefix width must be positive, got %d", width)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("routing table is empty")
	}

	table := make(map[transfer.BankPrefix]string, len(routes))
	for prefix, base := range routes {
		if utf8.RuneCountInString(prefix) != width {
			return nil, fmt.Errorf("prefix %q must be %d characters", prefix, width)
		}
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("base URL %q for prefix %q must be an absolute http(s) URL", base, prefix)
		}
		table[transfer.BankPrefix(prefix)] = strings.TrimRight(base, "/")
	}

	return &Router{width: width, table: table}, nil
}

// Resolve returns the bank owning the account. It makes no remote calls.
func (r *Router) Resolve(account transfer.AccountNumber) (Endpoint, error) {
	prefix, ok := account.Prefix(r.width)
	if !ok {
		return Endpoint{}, &RoutingError{Account: account}
	}
	base, ok := r.table[prefix]
	if !ok {
		return Endpoint{}, &RoutingError{Account: account, Prefix: prefix}
	}
	return Endpoint{Prefix: prefix, BaseURL: base}, nil
}

// Endpoints lists every registered bank ordered by prefix.
func (r *Router) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(r.table))
	for prefix, base := range r.table {
		out = append(out, Endpoint{Prefix: prefix, BaseURL: base})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Width is the number of leading characters used as the bank prefix.
func (r *Router) Width() int {
	return r.width
}
