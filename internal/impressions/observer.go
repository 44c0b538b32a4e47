// Package impressions records which treatment each key received.
//
// An Observer remembers when an identical impression was last seen so
// duplicates can be told apart. The Manager hands every impression to the
// optional Listener and forwards the ones the configured mode keeps to the sink.
package impressions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/maypok86/otter"
	"github.com/spaolacci/murmur3"
)

// Impression is a single treatment decision.
type Impression struct {
	FeatureName  string `json:"f"`
	KeyName      string `json:"k"`
	BucketingKey string `json:"b,omitempty"`
	Treatment    string `json:"t"`
	Label        string `json:"r,omitempty"`
	ChangeNumber int64  `json:"c"`
	Time         int64  `json:"m"`
	PreviousTime int64  `json:"pt,omitempty"`

	// Disabled marks impressions of flags that opted out of tracking.
	Disabled bool `json:"-"`
}

// Hash identifies impressions that carry the same decision.
// Time is not part of it.
func (i *Impression) Hash() uint64 {
	var b strings.Builder
	b.WriteString(i.KeyName)
	b.WriteByte(':')
	b.WriteString(i.FeatureName)
	b.WriteByte(':')
	b.WriteString(i.Treatment)
	b.WriteByte(':')
	b.WriteString(i.Label)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(i.ChangeNumber, 10))

	h1, _ := murmur3.Sum128([]byte(b.String()))
	return h1
}

// Observer is a bounded memory of the last time each impression was seen.
// Eviction only causes a duplicate to be treated as new.
type Observer struct {
	seen otter.Cache[uint64, int64]
}

// NewObserver creates an observer remembering up to capacity impressions.
func NewObserver(capacity int) (*Observer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("observer capacity must be positive, got %d", capacity)
	}
	seen, err := otter.MustBuilder[uint64, int64](capacity).Build()
	if err != nil {
		return nil, err
	}
	return &Observer{seen: seen}, nil
}

// TestAndSet fills imp.PreviousTime with the last sighting and records this one.
func (o *Observer) TestAndSet(imp *Impression) {
	hash := imp.Hash()
	if prev, ok := o.seen.Get(hash); ok {
		imp.PreviousTime = prev
	}
	o.seen.Set(hash, imp.Time)
}

// Close stops the cache's background work.
func (o *Observer) Close() {
	o.seen.Close()
}
