package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SDK operation modes.
const (
	ModeAPI       = "api"       // change feed served over HTTP
	ModeLocalhost = "localhost" // definitions read from a local file
	ModePostgres  = "postgres"  // self-hosted change feed in PostgreSQL
)

// Impression modes.
const (
	ImpressionsOptimized = "optimized"
	ImpressionsDebug     = "debug"
	ImpressionsNone      = "none"
)

// Sink destinations for impressions and events.
const (
	SinkNone  = "none"
	SinkRedis = "redis"
)

var flagSetPattern = regexp.MustCompile(`^[a-z0-9][_a-z0-9]{0,49}$`)

// SDKConfig configures synchronization, evaluation and data recording.
type SDKConfig struct {
	Mode          string `envconfig:"MODE" default:"api" validate:"oneof=api localhost postgres"`
	Key           string `envconfig:"KEY"`
	URL           string `envconfig:"URL" default:"https://sdk.split.io/api" validate:"url"`
	LocalhostFile string `envconfig:"LOCALHOST_FILE"`

	FeaturesRefreshRate time.Duration `envconfig:"FEATURES_REFRESH_RATE" default:"60s" validate:"min=1s"`
	SegmentsRefreshRate time.Duration `envconfig:"SEGMENTS_REFRESH_RATE" default:"60s" validate:"min=1s"`
	SegmentWorkers      int           `envconfig:"SEGMENT_WORKERS" default:"10" validate:"min=1"`
	ReadyTimeout        time.Duration `envconfig:"READY_TIMEOUT" default:"10s" validate:"gt=0"`
	FlagSets            []string      `envconfig:"FLAG_SETS"`

	// Fetch retry (exponential backoff)
	FetchTimeout    time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s" validate:"gt=0"`
	FetchMaxRetries int           `envconfig:"FETCH_MAX_RETRIES" default:"5" validate:"min=0"`
	FetchBaseDelay  time.Duration `envconfig:"FETCH_BASE_DELAY" default:"500ms" validate:"gt=0"`

	// Push notifications over Redis pub/sub
	PushEnabled bool   `envconfig:"PUSH_ENABLED" default:"false"`
	PushChannel string `envconfig:"PUSH_CHANNEL" default:"bifrost.notifications"`

	// Impressions and events
	ImpressionsMode         string        `envconfig:"IMPRESSIONS_MODE" default:"optimized" validate:"oneof=optimized debug none"`
	ImpressionsObserverSize int           `envconfig:"IMPRESSIONS_OBSERVER_SIZE" default:"500000" validate:"min=1"`
	ImpressionsQueueSize    int           `envconfig:"IMPRESSIONS_QUEUE_SIZE" default:"10000" validate:"min=1"`
	EventsQueueSize         int           `envconfig:"EVENTS_QUEUE_SIZE" default:"10000" validate:"min=1"`
	LabelsEnabled           bool          `envconfig:"LABELS_ENABLED" default:"true"`
	Sink                    string        `envconfig:"SINK" default:"none" validate:"oneof=none redis"`
	SinkFlushInterval       time.Duration `envconfig:"SINK_FLUSH_INTERVAL" default:"5s" validate:"gt=0"`
	SinkBatchSize           int           `envconfig:"SINK_BATCH_SIZE" default:"500" validate:"min=1"`
}

// Validate checks mode-dependent settings and normalizes flag sets.
func (c *SDKConfig) Validate() error {
	switch c.Mode {
	case ModeAPI:
		if err := validateNoWhitespace(c.Key, "sdk key"); err != nil {
			return err
		}
	case ModeLocalhost:
		if c.LocalhostFile == "" {
			return fmt.Errorf("localhost mode requires a definitions file")
		}
		if c.PushEnabled {
			return fmt.Errorf("push notifications are not available in localhost mode")
		}
	}

	if c.PushEnabled && c.PushChannel == "" {
		return fmt.Errorf("push channel cannot be empty when push is enabled")
	}

	sets := make([]string, 0, len(c.FlagSets))
	for _, raw := range c.FlagSets {
		set := strings.ToLower(strings.TrimSpace(raw))
		if !flagSetPattern.MatchString(set) {
			return fmt.Errorf("invalid flag set %q: must match %s", raw, flagSetPattern.String())
		}
		sets = append(sets, set)
	}
	c.FlagSets = sets

	return nil
}

// NeedsDatabase reports whether the configured mode reads from PostgreSQL.
func (c *SDKConfig) NeedsDatabase() bool {
	return c.Mode == ModePostgres
}

// NeedsRedis reports whether push or the sink require a Redis connection.
func (c *SDKConfig) NeedsRedis() bool {
	return c.PushEnabled || c.Sink == SinkRedis
}
