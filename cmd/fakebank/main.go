// Command fakebank serves one in-memory bank speaking the bank API, for local
// runs of the transfer service against two or more banks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cassiomorais/interbank/internal/bank/banktest"
	"github.com/cassiomorais/interbank/internal/infrastructure/observability"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

// accountFlags collects repeated -account number=balance flags.
type accountFlags []string

func (a *accountFlags) String() string { return strings.Join(*a, ",") }

func (a *accountFlags) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func main() {
	var (
		addr      string
		name      string
		overdraft bool
		accounts  accountFlags
	)

	flag.StringVar(&addr, "addr", ":8100", "Listen address")
	flag.StringVar(&name, "name", "fakebank", "Bank name used in logs")
	flag.BoolVar(&overdraft, "overdraft", false, "Allow debits beyond the balance")
	flag.Var(&accounts, "account", "Account to open as number=balance (repeatable)")
	flag.Parse()

	logger := observability.InitLogger("info", "console", name, os.Stdout)

	opts := []banktest.Option{}
	if overdraft {
		opts = append(opts, banktest.WithOverdraft())
	}
	for _, raw := range accounts {
		number, balance, ok := strings.Cut(raw, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "Invalid -account %q, want number=balance\n", raw)
			os.Exit(1)
		}
		if _, err := decimal.NewFromString(balance); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid balance in -account %q: %v\n", raw, err)
			os.Exit(1)
		}
		opts = append(opts, banktest.WithAccount(strings.TrimSpace(number), strings.TrimSpace(balance)))
		logger.Info().Str("account", number).Str("balance", balance).Msg("Account opened")
	}

	b := banktest.New(opts...)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Mount("/", b.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Starting fake bank")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Fake bank forced to shutdown")
	}
}
