package evalapi

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rafaeljc/bifrost/internal/client"
)

// ErrorResponse is the structured error body of every failed request.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	Message string `json:"message"`
}

// TreatmentResponse is the body of the single-flag endpoints.
type TreatmentResponse struct {
	SplitName string  `json:"splitName"`
	Treatment string  `json:"treatment"`
	Config    *string `json:"config,omitempty"`
}

// TreatmentEntry is one flag of the multi-flag endpoints.
type TreatmentEntry struct {
	Treatment string  `json:"treatment"`
	Config    *string `json:"config,omitempty"`
}

// TrackRequest is the payload of POST /client/track.
type TrackRequest struct {
	Key         string         `json:"key"`
	TrafficType string         `json:"trafficType"`
	EventType   string         `json:"eventType"`
	Value       *float64       `json:"value,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// SplitView describes a cached flag in GET /admin/splits.
type SplitView struct {
	Name             string   `json:"name"`
	TrafficType      string   `json:"trafficType"`
	Killed           bool     `json:"killed"`
	DefaultTreatment string   `json:"defaultTreatment"`
	Treatments       []string `json:"treatments"`
	FlagSets         []string `json:"sets"`
	ChangeNumber     int64    `json:"changeNumber"`
}

// SplitsResponse is the body of GET /admin/splits.
type SplitsResponse struct {
	Splits []SplitView `json:"splits"`
	Since  int64       `json:"since"`
}

// evaluationQuery holds the parsed query string shared by the /client GET endpoints.
type evaluationQuery struct {
	key        client.Key
	attributes map[string]any
}

// parseEvaluationQuery reads key, bucketing-key and the JSON encoded attributes.
func parseEvaluationQuery(q url.Values) (*evaluationQuery, *ErrorResponse) {
	key := strings.TrimSpace(q.Get("key"))
	if key == "" {
		return nil, &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "key is required"}
	}

	out := &evaluationQuery{key: client.Key{
		MatchingKey:  key,
		BucketingKey: strings.TrimSpace(q.Get("bucketing-key")),
	}}

	if raw := q.Get("attributes"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &out.attributes); err != nil {
			return nil, &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "attributes must be a JSON object"}
		}
	}
	return out, nil
}

// splitList parses a comma separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
