package bank_test

import (
	"context"
	"testing"

	"github.com/cassiomorais/interbank/internal/bank"
	"github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBank struct{ bank.Bank }

func (stubBank) ValidateCreditAccount(context.Context, transfer.Request) (bool, error) {
	return true, nil
}

func TestRegistry_ClientPerBank(t *testing.T) {
	router, err := bank.NewRouter(4, testRoutes())
	require.NoError(t, err)
	reg := bank.NewRegistry(router)

	ep, err := reg.Resolve("8075000001")
	require.NoError(t, err)

	b, err := reg.Get(ep.Prefix)
	require.NoError(t, err)
	client, ok := b.(*bank.Client)
	require.True(t, ok)
	assert.Equal(t, ep, client.Endpoint())

	other, err := reg.Get("2040")
	require.NoError(t, err)
	assert.NotSame(t, b, other)
}

func TestRegistry_UnknownPrefix(t *testing.T) {
	router, err := bank.NewRouter(4, testRoutes())
	require.NoError(t, err)
	reg := bank.NewRegistry(router)

	_, err = reg.Get("9999")
	assert.ErrorIs(t, err, errors.ErrRoutingFailed)

	_, err = reg.Resolve("12")
	assert.ErrorIs(t, err, errors.ErrRoutingFailed)
}

func TestRegistry_Register(t *testing.T) {
	router, err := bank.NewRouter(4, testRoutes())
	require.NoError(t, err)
	reg := bank.NewRegistry(router)

	reg.Register("2040", stubBank{})
	b, err := reg.Get("2040")
	require.NoError(t, err)
	_, ok := b.(stubBank)
	assert.True(t, ok)
}
