package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domainerrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/cassiomorais/interbank/internal/infrastructure/observability"
	"github.com/cassiomorais/interbank/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Bank service API paths.
const (
	PathValidateCredit = "/api/v1/credit_acc_validation/"
	PathDebit          = "/api/v1/make_transfer/from/"
	PathCredit         = "/api/v1/make_transfer/to/"
	PathReverse        = "/api/v1/make_transfer/reverse/"
)

// HeaderIdempotencyKey carries the idempotency key of mutating calls.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxResponseBody = 1 << 20

// Bank is the remote API of one bank service.
type Bank interface {
	ValidateCreditAccount(ctx context.Context, req transfer.Request) (exists bool, err error)
	DebitAccount(ctx context.Context, req transfer.Request, idempotencyKey string) (transfer.CorrelationID, error)
	CreditAccount(ctx context.Context, req transfer.Request, corr transfer.CorrelationID, idempotencyKey string) error
	ReverseDebit(ctx context.Context, req transfer.Request, corr transfer.CorrelationID, reversesKey, idempotencyKey string) error
}

// RetryPolicy bounds the automatic retries of each operation.
type RetryPolicy struct {
	ValidateAttempts uint
	DebitAttempts    uint
	CreditAttempts   uint
	ReverseAttempts  uint
	Delay            time.Duration
	MaxDelay         time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ValidateAttempts: 3,
		DebitAttempts:    2,
		CreditAttempts:   3,
		ReverseAttempts:  3,
		Delay:            200 * time.Millisecond,
		MaxDelay:         2 * time.Second,
	}
}

// BreakerSettings configures the circuit breaker guarding one bank.
type BreakerSettings struct {
	MinRequests  uint32
	FailureRatio float64
	Interval     time.Duration
	Timeout      time.Duration
}

// Client calls one bank service over HTTP.
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
	timeout    time.Duration
	policy     RetryPolicy
	breaker    *gobreaker.CircuitBreaker[*response]
	breakerCfg *BreakerSettings
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every single HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

func WithBreaker(s BreakerSettings) Option {
	return func(c *Client) { c.breakerCfg = &s }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the bank at endpoint.
func NewClient(endpoint Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		timeout:  5 * time.Second,
		policy:   DefaultRetryPolicy(),
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	c.logger = c.logger.With().Str("bank", string(endpoint.Prefix)).Logger()
	if c.breakerCfg != nil {
		c.breaker = c.newBreaker(*c.breakerCfg)
	}
	return c
}

func (c *Client) newBreaker(s BreakerSettings) *gobreaker.CircuitBreaker[*response] {
	name := string(c.endpoint.Prefix)
	return gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.SetBreakerState(name, int(to))
			c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("bank circuit breaker changed state")
		},
		// The caller giving up says nothing about the bank's health.
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
}

// Endpoint returns the bank this client talks to.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// ValidateCreditAccount asks the bank whether the credit account exists.
// 403 and 404 are an explicit "does not exist"; any other failure is an error.
func (c *Client) ValidateCreditAccount(ctx context.Context, req transfer.Request) (bool, error) {
	form := requestForm(req)

	return retry.DoWithResult(ctx, c.retryConfig(ctx, OpValidateCredit, c.policy.ValidateAttempts), func() (bool, error) {
		res, err := c.post(ctx, OpValidateCredit, PathValidateCredit, form, "")
		if err != nil {
			return false, err
		}
		switch {
		case res.ok():
			return true, nil
		case res.status == http.StatusForbidden || res.status == http.StatusNotFound:
			return false, nil
		default:
			return false, c.rejected(OpValidateCredit, res)
		}
	})
}

// DebitAccount debits the request amount and returns the bank-issued CorrelationID.
// Retries reuse idempotencyKey, so the bank applies the debit at most once.
func (c *Client) DebitAccount(ctx context.Context, req transfer.Request, idempotencyKey string) (transfer.CorrelationID, error) {
	if idempotencyKey == "" {
		return "", domainerrors.ErrMissingIdempotencyKey
	}
	form := requestForm(req)
	form.Set(transfer.FieldIdempotencyKey, idempotencyKey)

	var corr transfer.CorrelationID
	err := c.mutate(ctx, OpDebit, PathDebit, form, idempotencyKey, c.policy.DebitAttempts, func(res *response) error {
		id, err := parseUniqueID(res.body)
		if err != nil {
			return &CallError{
				Op:         OpDebit,
				Bank:       c.endpoint.Prefix,
				BaseURL:    c.endpoint.BaseURL,
				StatusCode: res.status,
				Err:        fmt.Errorf("%w: %v", domainerrors.ErrMalformedResponse, err),
				Uncertain:  true,
				Body:       truncate(res.body, 256),
			}
		}
		corr = id
		return nil
	})
	return corr, err
}

// CreditAccount credits the request amount, referencing the debit by corr.
func (c *Client) CreditAccount(ctx context.Context, req transfer.Request, corr transfer.CorrelationID, idempotencyKey string) error {
	if idempotencyKey == "" {
		return domainerrors.ErrMissingIdempotencyKey
	}
	if corr == "" {
		return domainerrors.NewValidationError(transfer.FieldUniqueID, "is required to credit")
	}
	form := requestForm(req)
	form.Set(transfer.FieldUniqueID, string(corr))
	form.Set(transfer.FieldIdempotencyKey, idempotencyKey)

	return c.mutate(ctx, OpCredit, PathCredit, form, idempotencyKey, c.policy.CreditAttempts, nil)
}

// ReverseDebit returns the funds of the debit made under reversesKey. The bank
// treats it as a no-op when no such debit exists.
func (c *Client) ReverseDebit(ctx context.Context, req transfer.Request, corr transfer.CorrelationID, reversesKey, idempotencyKey string) error {
	if idempotencyKey == "" || reversesKey == "" {
		return domainerrors.ErrMissingIdempotencyKey
	}
	form := url.Values{}
	form.Set(transfer.FieldDebitAccount, string(req.DebitAccount()))
	form.Set(transfer.FieldAmount, formatAmount(req))
	form.Set(transfer.FieldUniqueID, string(corr))
	form.Set(transfer.FieldReversesKey, reversesKey)
	form.Set(transfer.FieldIdempotencyKey, idempotencyKey)

	return c.mutate(ctx, OpReverse, PathReverse, form, idempotencyKey, c.policy.ReverseAttempts, nil)
}

// mutate sends a balance-changing call with retries under the same key. Once
// any try was uncertain the final error stays uncertain.
func (c *Client) mutate(ctx context.Context, op Operation, path string, form url.Values, key string, attempts uint, onOK func(*response) error) error {
	uncertain := false
	err := retry.Do(ctx, c.retryConfig(ctx, op, attempts), func() error {
		res, err := c.post(ctx, op, path, form, key)
		if err == nil && !res.ok() {
			err = c.rejected(op, res)
		}
		if err == nil && onOK != nil {
			err = onOK(res)
		}
		if IsUncertain(err) {
			uncertain = true
		}
		return err
	})
	if err != nil && uncertain {
		var ce *CallError
		if errors.As(err, &ce) {
			ce.Uncertain = true
		}
	}
	return err
}

func (c *Client) retryConfig(ctx context.Context, op Operation, attempts uint) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: c.policy.Delay,
		MaxDelay:     c.policy.MaxDelay,
		RetryIf: func(err error) bool {
			return ctx.Err() == nil && retryable(err)
		},
		OnRetry: func(n uint, err error) {
			c.logger.Warn().Err(err).Str("operation", string(op)).Uint("attempt", n+1).Msg("bank call failed")
		},
	}
}

type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// post performs one round trip through the circuit breaker. Transport errors
// and 5xx answers are returned as errors; any other answer is a response.
func (c *Client) post(ctx context.Context, op Operation, path string, form url.Values, key string) (*response, error) {
	start := time.Now()

	var res *response
	var err error
	if c.breaker != nil {
		res, err = c.breaker.Execute(func() (*response, error) {
			return c.send(ctx, op, path, form, key)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &CallError{
				Op:      op,
				Bank:    c.endpoint.Prefix,
				BaseURL: c.endpoint.BaseURL,
				Err:     fmt.Errorf("%w: %w", domainerrors.ErrCircuitOpen, err),
			}
		}
	} else {
		res, err = c.send(ctx, op, path, form, key)
	}

	c.metrics.ObserveBankCall(string(c.endpoint.Prefix), string(op), callResult(res, err), time.Since(start))
	return res, err
}

func (c *Client) send(ctx context.Context, op Operation, path string, form url.Values, key string) (*response, error) {
	callErr := func(status int, err error, uncertain bool) *CallError {
		return &CallError{
			Op:         op,
			Bank:       c.endpoint.Prefix,
			BaseURL:    c.endpoint.BaseURL,
			StatusCode: status,
			Err:        err,
			Uncertain:  uncertain,
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, callErr(0, err, false)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, callErr(0, fmt.Errorf("build request: %w", err), false)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if key != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, key)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, callErr(0, fmt.Errorf("%w: %w", domainerrors.ErrBankUnavailable, err), op.mutates() && !notSent(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, callErr(resp.StatusCode, fmt.Errorf("%w: read body: %w", domainerrors.ErrBankUnavailable, err), op.mutates())
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		ce := callErr(resp.StatusCode, domainerrors.ErrBankUnavailable, false)
		ce.Body = truncate(body, 256)
		return nil, ce
	}
	return &response{status: resp.StatusCode, body: body}, nil
}

func (c *Client) rejected(op Operation, res *response) error {
	return &CallError{
		Op:         op,
		Bank:       c.endpoint.Prefix,
		BaseURL:    c.endpoint.BaseURL,
		StatusCode: res.status,
		Err:        domainerrors.ErrBankRejected,
		Body:       truncate(res.body, 256),
	}
}

func callResult(res *response, err error) string {
	switch {
	case errors.Is(err, domainerrors.ErrCircuitOpen):
		return "circuit_open"
	case err != nil:
		return "error"
	case res.ok():
		return "success"
	default:
		return "rejected"
	}
}

// requestForm derives the form payload shared by validate, debit and credit.
// Reserved fields always come from the request, never from metadata.
func requestForm(req transfer.Request) url.Values {
	form := url.Values{}
	form.Set(transfer.FieldDebitText, "")
	form.Set(transfer.FieldCreditText, "")
	for k, v := range req.Metadata() {
		form.Set(k, v)
	}
	form.Set(transfer.FieldAmount, formatAmount(req))
	form.Set(transfer.FieldDebitAccount, string(req.DebitAccount()))
	form.Set(transfer.FieldCreditAccount, string(req.CreditAccount()))
	return form
}

func formatAmount(req transfer.Request) string {
	return req.Amount().StringFixed(transfer.AmountPlaces)
}

// parseUniqueID reads the CorrelationID from a debit response. Banks send it
// as a string, some as a number.
func parseUniqueID(body []byte) (transfer.CorrelationID, error) {
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return "", fmt.Errorf("decode debit response: %w", err)
	}

	switch v := payload[transfer.FieldUniqueID].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return transfer.CorrelationID(v), nil
		}
	case json.Number:
		return transfer.CorrelationID(v.String()), nil
	}
	return "", fmt.Errorf("debit response has no %s", transfer.FieldUniqueID)
}
