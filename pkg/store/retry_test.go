package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemo/pkg/types"
)

// flakyStore fails the first failures calls to every operation.
type flakyStore struct {
	TemporalStore
	failures int
	calls    int
	err      error
}

func (f *flakyStore) failing() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyStore) GetNode(ctx context.Context, uuid string) (*types.Node, error) {
	if err := f.failing(); err != nil {
		return nil, err
	}
	return f.TemporalStore.GetNode(ctx, uuid)
}

func (f *flakyStore) Commit(ctx context.Context, mut *Mutation) error {
	if err := f.failing(); err != nil {
		return err
	}
	return f.TemporalStore.Commit(ctx, mut)
}

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryingStoreRetriesUnavailable(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Commit(ctx, &Mutation{
		Nodes: []*types.Node{{UUID: "n1", GraphID: "user:kendra", Name: "Kendra"}},
	}))

	flaky := &flakyStore{TemporalStore: inner, failures: 2, err: Unavailable(errors.New("io"))}
	st := NewRetryingStore(flaky, fastRetryConfig())

	n, err := st.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Kendra", n.Name)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingStoreGivesUpAfterMaxRetries(t *testing.T) {
	flaky := &flakyStore{TemporalStore: NewMemoryStore(), failures: 100, err: Unavailable(errors.New("io"))}
	st := NewRetryingStore(flaky, fastRetryConfig())

	_, err := st.GetNode(context.Background(), "n1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 4, flaky.calls) // initial attempt + 3 retries
}

func TestRetryingStoreDoesNotRetryFatalErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("not found passes through", func(t *testing.T) {
		st := NewRetryingStore(NewMemoryStore(), fastRetryConfig())
		_, err := st.GetNode(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("integrity error is not retried", func(t *testing.T) {
		flaky := &flakyStore{
			TemporalStore: NewMemoryStore(),
			failures:      100,
			err:           &IntegrityError{Kind: "edge", UUID: "e1", Detail: "dangling"},
		}
		st := NewRetryingStore(flaky, fastRetryConfig())
		err := st.Commit(ctx, &Mutation{Nodes: []*types.Node{{UUID: "n1", GraphID: "g", Name: "x"}}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, &IntegrityError{}))
		assert.Equal(t, 1, flaky.calls)
	})
}

func TestRetryingStoreHonorsContext(t *testing.T) {
	flaky := &flakyStore{TemporalStore: NewMemoryStore(), failures: 100, err: Unavailable(errors.New("io"))}
	st := NewRetryingStore(flaky, &RetryConfig{
		MaxRetries:        5,
		InitialDelay:      time.Second,
		MaxDelay:          time.Second,
		BackoffMultiplier: 1.0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := st.GetNode(ctx, "n1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
