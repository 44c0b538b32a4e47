package ruleengine

import (
	"bytes"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/dtos"
)

// fakeStore is an in-memory implementation of every storage interface.
type fakeStore struct {
	splits      map[string]*ParsedSplit
	segments    map[string]map[string]struct{}
	ruleBased   map[string]*ParsedRuleBasedSegment
	panicOnRead bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		splits:    map[string]*ParsedSplit{},
		segments:  map[string]map[string]struct{}{},
		ruleBased: map[string]*ParsedRuleBasedSegment{},
	}
}

func (f *fakeStore) Split(name string) *ParsedSplit {
	if f.panicOnRead {
		panic("storage unavailable")
	}
	return f.splits[name]
}

func (f *fakeStore) Splits(names []string) map[string]*ParsedSplit {
	if f.panicOnRead {
		panic("storage unavailable")
	}
	out := make(map[string]*ParsedSplit, len(names))
	for _, n := range names {
		if s, ok := f.splits[n]; ok {
			out[n] = s
		}
	}
	return out
}

func (f *fakeStore) NamesByFlagSets(sets []string) []string {
	var names []string
	for name, s := range f.splits {
		for _, set := range s.FlagSets {
			if slices.Contains(sets, set) {
				names = append(names, name)
				break
			}
		}
	}
	slices.Sort(names)
	return names
}

func (f *fakeStore) IsInSegment(segment, key string) bool {
	_, ok := f.segments[segment][key]
	return ok
}

func (f *fakeStore) RuleBasedSegment(name string) *ParsedRuleBasedSegment {
	return f.ruleBased[name]
}

func (f *fakeStore) addSegment(name string, keys ...string) {
	f.segments[name] = toSet(keys)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

// mustAddSplit compiles a JSON flag definition and stores it.
func (f *fakeStore) mustAddSplit(t *testing.T, raw string) *ParsedSplit {
	t.Helper()

	dto, err := dtos.UnmarshalSplit([]byte(raw))
	require.NoError(t, err)

	split, err := NewParser(discardLogger()).ParseSplit(dto)
	require.NoError(t, err)
	require.NotNil(t, split)

	f.splits[split.Name] = split
	return split
}

func (f *fakeStore) mustAddRuleBasedSegment(t *testing.T, raw string) *ParsedRuleBasedSegment {
	t.Helper()

	dto, err := dtos.UnmarshalRuleBasedSegment([]byte(raw))
	require.NoError(t, err)

	rbs, err := NewParser(discardLogger()).ParseRuleBasedSegment(dto)
	require.NoError(t, err)
	require.NotNil(t, rbs)

	f.ruleBased[rbs.Name] = rbs
	return rbs
}
