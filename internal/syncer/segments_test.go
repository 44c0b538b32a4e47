package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentUpdater_SynchronizeSegment(t *testing.T) {
	t.Parallel()

	t.Run("Should apply deltas until caught up", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		fx.feed.publishSegment("employees", []string{"alice", "bob"}, nil, 10)
		fx.feed.publishSegment("employees", []string{"carol"}, []string{"bob"}, 20)

		require.NoError(t, fx.segUp.SynchronizeSegment(context.Background(), "employees", nil))

		assert.Equal(t, []string{"alice", "carol"}, fx.segments.Keys("employees"))
		assert.Equal(t, int64(20), fx.segments.ChangeNumber("employees"))
		calls := fx.feed.segmentCallsFor("employees")
		require.Len(t, calls, 2)
		assert.Equal(t, int64(-1), calls[0].since)
		assert.Equal(t, int64(20), calls[1].since)
	})

	t.Run("Should register empty segments", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)

		require.NoError(t, fx.segUp.SynchronizeSegment(context.Background(), "nobody", nil))

		assert.True(t, fx.segUp.Known("nobody"))
		assert.Empty(t, fx.segments.Keys("nobody"))
	})

	t.Run("Should skip the fetch once the target is reached", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		fx.feed.publishSegment("employees", []string{"alice"}, nil, 10)
		require.NoError(t, fx.segUp.SynchronizeSegment(context.Background(), "employees", nil))

		require.NoError(t, fx.segUp.SynchronizeSegment(context.Background(), "employees", int64Ptr(10)))
		assert.Len(t, fx.feed.segmentCallsFor("employees"), 2)
	})

	t.Run("Should forward the target change number", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		fx.feed.publishSegment("employees", []string{"alice"}, nil, 30)

		require.NoError(t, fx.segUp.SynchronizeSegment(context.Background(), "employees", int64Ptr(30)))

		calls := fx.feed.segmentCallsFor("employees")
		require.Len(t, calls, 1)
		require.NotNil(t, calls[0].till)
		assert.Equal(t, int64(30), *calls[0].till)
	})

	t.Run("Should return fetch errors", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		fx.feed.segmentErrs["employees"] = []error{errPermanent}

		err := fx.segUp.SynchronizeSegment(context.Background(), "employees", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, errPermanent)
		assert.False(t, fx.segUp.Known("employees"))
	})

	t.Run("Should keep concurrent updates of one segment consistent", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		for i := range 20 {
			fx.feed.publishSegment("employees", []string{fmt.Sprintf("user-%d", i)}, nil, int64(i+1))
		}

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, fx.segUp.SynchronizeSegment(context.Background(), "employees", nil))
			}()
		}
		wg.Wait()

		assert.Len(t, fx.segments.Keys("employees"), 20)
		assert.Equal(t, int64(20), fx.segments.ChangeNumber("employees"))
	})
}

func TestSegmentUpdater_SynchronizeSegments(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.feed.publishSplit(activeFlag("internal_tools", 100, segmentCondition("employees", "on"), segmentCondition("contractors", "off")))
	fx.feed.publishSplit(activeFlag("beta_banner", 101, segmentCondition("beta", "on")))
	fx.feed.publishSegment("employees", []string{"alice"}, nil, 1)
	fx.feed.publishSegment("beta", []string{"bob"}, nil, 1)
	fx.feed.segmentErrs["contractors"] = []error{errPermanent}
	require.NoError(t, fx.splitUp.SynchronizeSplits(context.Background(), nil))

	fx.feed.publishSegment("employees", []string{"carol"}, nil, 2)
	fx.feed.segmentErrs["contractors"] = []error{errPermanent}

	err := fx.segUp.SynchronizeSegments(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errPermanent)

	assert.True(t, fx.segments.IsInSegment("employees", "carol"))
	assert.True(t, fx.segments.IsInSegment("beta", "bob"))
	assert.Contains(t, fx.logs.String(), "segment synchronization failed")
	assert.Contains(t, fx.logs.String(), "segment=contractors")
}
