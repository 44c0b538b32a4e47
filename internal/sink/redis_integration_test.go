//go:build integration

package sink_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/sink"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

func TestRedisWriter_Integration(t *testing.T) {
	ctx := context.Background()

	redisCtr, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer func() {
		if err := redisCtr.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	writer := sink.NewRedisWriter(redisCtr.Client)

	t.Run("Should append batches to the queue list", func(t *testing.T) {
		require.NoError(t, writer.Write(ctx, sink.EventsQueue, [][]byte{[]byte(`{"id":1}`), []byte(`{"id":2}`)}))
		require.NoError(t, writer.Write(ctx, sink.EventsQueue, [][]byte{[]byte(`{"id":3}`)}))

		got, err := redisCtr.QueueContents(ctx, sink.EventsQueue)
		require.NoError(t, err)
		assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}, got)
	})

	t.Run("Should ship buffered records through Run", func(t *testing.T) {
		type impression struct {
			Feature string `json:"f"`
		}
		buf := sink.NewBuffer[impression](nil, sink.BufferConfig{
			Queue:         sink.ImpressionsQueue,
			FlushInterval: 20 * time.Millisecond,
		}, writer)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = buf.Run(runCtx) }()

		buf.Push(impression{Feature: "checkout_redesign"})

		require.Eventually(t, func() bool {
			n, err := redisCtr.Client.LLen(ctx, sink.ImpressionsQueue).Result()
			return err == nil && n == 1
		}, 5*time.Second, 20*time.Millisecond)

		got, err := redisCtr.Client.LIndex(ctx, sink.ImpressionsQueue, 0).Result()
		require.NoError(t, err)
		assert.JSONEq(t, `{"f":"checkout_redesign"}`, got)
	})
}
