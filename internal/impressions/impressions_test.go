package impressions

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/config"
)

// hourMs is 2023-11-14T22:00:00Z.
const hourMs = int64(1700000000000) - int64(1700000000000)%3600000

func impression(key string, at int64) Impression {
	return Impression{
		FeatureName:  "checkout_redesign",
		KeyName:      key,
		Treatment:    "on",
		Label:        "default rule",
		ChangeNumber: 100,
		Time:         at,
	}
}

type recordingQueue struct {
	mu    sync.Mutex
	items []Impression
	full  bool
}

func (q *recordingQueue) Push(imp Impression) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.items = append(q.items, imp)
	return true
}

type recordingListener struct {
	got   []Impression
	attrs []map[string]any
	panic bool
}

func (l *recordingListener) LogImpression(imp Impression, attributes map[string]any) {
	if l.panic {
		panic("listener exploded")
	}
	l.got = append(l.got, imp)
	l.attrs = append(l.attrs, attributes)
}

func newObserver(t *testing.T) *Observer {
	t.Helper()
	o, err := NewObserver(100)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func TestImpression_Hash(t *testing.T) {
	t.Parallel()

	a := impression("user-1", hourMs)
	b := impression("user-1", hourMs+5000)
	assert.Equal(t, a.Hash(), b.Hash(), "time must not affect the hash")

	c := impression("user-1", hourMs)
	c.Treatment = "off"
	assert.NotEqual(t, a.Hash(), c.Hash())

	d := impression("user-1", hourMs)
	d.ChangeNumber = 101
	assert.NotEqual(t, a.Hash(), d.Hash())
}

func TestObserver_TestAndSet(t *testing.T) {
	t.Parallel()

	o := newObserver(t)

	first := impression("user-1", hourMs+1000)
	o.TestAndSet(&first)
	assert.Zero(t, first.PreviousTime)

	second := impression("user-1", hourMs+2000)
	o.TestAndSet(&second)
	assert.Equal(t, hourMs+1000, second.PreviousTime)

	other := impression("user-2", hourMs+3000)
	o.TestAndSet(&other)
	assert.Zero(t, other.PreviousTime)
}

func TestNewObserver_RejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	_, err := NewObserver(0)
	assert.Error(t, err)
}

func TestManager_Process(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mode       string
		imps       []Impression
		wantQueued []int64 // Time of each queued impression
	}{
		{
			name:       "Should queue only the first decision per hour in optimized mode",
			mode:       config.ImpressionsOptimized,
			imps:       []Impression{impression("user-1", hourMs+1), impression("user-1", hourMs+2), impression("user-1", hourMs+3600000)},
			wantQueued: []int64{hourMs + 1, hourMs + 3600000},
		},
		{
			name:       "Should queue every impression in debug mode",
			mode:       config.ImpressionsDebug,
			imps:       []Impression{impression("user-1", hourMs+1), impression("user-1", hourMs+2)},
			wantQueued: []int64{hourMs + 1, hourMs + 2},
		},
		{
			name:       "Should queue nothing in none mode",
			mode:       config.ImpressionsNone,
			imps:       []Impression{impression("user-1", hourMs+1)},
			wantQueued: nil,
		},
		{
			name: "Should never queue impressions of flags that opted out",
			mode: config.ImpressionsDebug,
			imps: func() []Impression {
				imp := impression("user-1", hourMs+1)
				imp.Disabled = true
				return []Impression{imp}
			}(),
			wantQueued: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			queue := &recordingQueue{}
			listener := &recordingListener{}
			m, err := NewManager(nil, tt.mode, true, newObserver(t), listener, queue)
			require.NoError(t, err)

			m.Process(tt.imps, map[string]any{"plan": "pro"})

			var got []int64
			for _, imp := range queue.items {
				got = append(got, imp.Time)
			}
			assert.Equal(t, tt.wantQueued, got)
			assert.Len(t, listener.got, len(tt.imps), "the listener sees every impression")
			if len(listener.attrs) > 0 {
				assert.Equal(t, "pro", listener.attrs[0]["plan"])
			}
		})
	}
}

func TestManager_Labels(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{}
	m, err := NewManager(nil, config.ImpressionsDebug, false, newObserver(t), nil, queue)
	require.NoError(t, err)

	m.Process([]Impression{impression("user-1", hourMs)}, nil)

	require.Len(t, queue.items, 1)
	assert.Empty(t, queue.items[0].Label)
}

func TestManager_ListenerPanicIsRecovered(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	queue := &recordingQueue{}
	m, err := NewManager(logger, config.ImpressionsDebug, true, newObserver(t), &recordingListener{panic: true}, queue)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.Process([]Impression{impression("user-1", hourMs)}, nil)
	})
	assert.Len(t, queue.items, 1)
	assert.Contains(t, buf.String(), "impression listener panicked")
}

func TestManager_FullQueueDropsImpressions(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{full: true}
	m, err := NewManager(nil, config.ImpressionsDebug, true, newObserver(t), nil, queue)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.Process([]Impression{impression("user-1", hourMs)}, nil)
	})
	assert.Empty(t, queue.items)
}

func TestNewManager_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil, "verbose", true, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewManager(nil, config.ImpressionsOptimized, true, nil, nil, nil)
	assert.Error(t, err)

	m, err := NewManager(nil, config.ImpressionsNone, true, nil, nil, nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.Process([]Impression{impression("user-1", hourMs)}, nil) })
}
