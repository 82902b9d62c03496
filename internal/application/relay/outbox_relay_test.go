package relay_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cassiomorais/interbank/internal/application/relay"
	"github.com/cassiomorais/interbank/internal/domain/outbox"
	infraRedis "github.com/cassiomorais/interbank/internal/infrastructure/redis"
	"github.com/cassiomorais/interbank/internal/testutil"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, *outbox.Entry) (string, error) {
	p.calls++
	return "", errors.New("stream unavailable")
}

func (p *failingPublisher) EventStream() string { return "events" }

func newStreamProducer(t *testing.T) (*goredis.Client, *infraRedis.StreamProducer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, infraRedis.NewStreamProducer(client, "", "")
}

func TestOutboxRelay_PublishesPendingEntries(t *testing.T) {
	client, producer := newStreamProducer(t)
	repo := testutil.NewMockOutboxRepository()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Insert(context.Background(),
			outbox.NewTransferEntry(uuid.New(), outbox.EventTransferCompleted, map[string]any{"n": strconv.Itoa(i)})))
	}

	r := relay.NewOutboxRelay(repo, testutil.NewMockTransactionManager(), producer, 10, nil, zerolog.Nop())
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, e := range repo.Entries() {
		assert.Equal(t, outbox.StatusPublished, e.Status)
		assert.NotNil(t, e.PublishedAt)
	}

	msgs, err := client.XRange(context.Background(), infraRedis.DefaultEventStream, "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	// nothing left to publish
	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxRelay_RespectsBatchSize(t *testing.T) {
	_, producer := newStreamProducer(t)
	repo := testutil.NewMockOutboxRepository()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Insert(context.Background(),
			outbox.NewTransferEntry(uuid.New(), outbox.EventTransferAborted, nil)))
	}

	r := relay.NewOutboxRelay(repo, testutil.NewMockTransactionManager(), producer, 2, nil, zerolog.Nop())
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOutboxRelay_FailedPublishIsRetriedThenGivenUp(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	entry := outbox.NewTransferEntry(uuid.New(), outbox.EventTransferCreditFailed, nil)
	entry.MaxRetries = 2
	require.NoError(t, repo.Insert(context.Background(), entry))

	pub := &failingPublisher{}
	r := relay.NewOutboxRelay(repo, testutil.NewMockTransactionManager(), pub, 10, nil, zerolog.Nop())

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, outbox.StatusPending, repo.Entries()[0].Status)
	assert.Equal(t, 1, repo.Entries()[0].RetryCount)

	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, repo.Entries()[0].Status)

	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pub.calls)
}

func TestOutboxRelay_TransactionErrorIsReturned(t *testing.T) {
	_, producer := newStreamProducer(t)
	repo := testutil.NewMockOutboxRepository()
	repo.GetPendingFunc = func(context.Context, int) ([]*outbox.Entry, error) {
		return nil, errors.New("connection reset")
	}

	r := relay.NewOutboxRelay(repo, testutil.NewMockTransactionManager(), producer, 10, nil, zerolog.Nop())
	_, err := r.RunOnce(context.Background())
	assert.EqualError(t, err, "connection reset")
}
