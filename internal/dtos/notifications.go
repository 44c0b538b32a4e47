package dtos

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Notification types delivered by the push channel.
const (
	NotificationSplitUpdate            = "SPLIT_UPDATE"
	NotificationSplitKill              = "SPLIT_KILL"
	NotificationSegmentUpdate          = "SEGMENT_UPDATE"
	NotificationRuleBasedSegmentUpdate = "RB_SEGMENT_UPDATE"
)

// Compression codes of an inline payload.
const (
	CompressionNone = 0
	CompressionGzip = 1
	CompressionZlib = 2
)

// ErrNoPayload is returned when a notification carries no inline definition.
var ErrNoPayload = errors.New("notification has no payload")

// Notification is the envelope of every push message.
// Fields not relevant to Type are left zero.
type Notification struct {
	Type                 string `json:"type"`
	ChangeNumber         int64  `json:"changeNumber"`
	PreviousChangeNumber *int64 `json:"pcn,omitempty"`
	Data                 string `json:"d,omitempty"`
	Compression          *int   `json:"c,omitempty"`
	SplitName            string `json:"splitName,omitempty"`
	DefaultTreatment     string `json:"defaultTreatment,omitempty"`
	SegmentName          string `json:"segmentName,omitempty"`
}

// HasPayload reports whether the notification carries an inline definition
// that can be applied without refetching.
func (n *Notification) HasPayload() bool {
	return n.Data != "" && n.PreviousChangeNumber != nil && n.Compression != nil
}

// DecodePayload base64-decodes and decompresses the inline definition.
func (n *Notification) DecodePayload() ([]byte, error) {
	if !n.HasPayload() {
		return nil, ErrNoPayload
	}

	raw, err := base64.StdEncoding.DecodeString(n.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	switch *n.Compression {
	case CompressionNone:
		return raw, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip payload: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open zlib payload: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unknown compression type %d", *n.Compression)
	}
}
