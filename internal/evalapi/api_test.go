package evalapi_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/client"
	"github.com/rafaeljc/bifrost/internal/evalapi"
	"github.com/rafaeljc/bifrost/internal/events"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/splitter"
)

type trackCall struct {
	key, trafficType, eventType string
	value                       *float64
	properties                  map[string]any
}

// fakeClient serves fixed treatments and records what it was asked.
type fakeClient struct {
	mu         sync.Mutex
	ready      bool
	trackErr   error
	keys       []client.Key
	attributes []map[string]any
	tracked    []trackCall
}

var treatments = map[string]client.TreatmentResult{
	"checkout_redesign": {Treatment: "on", Config: func() *string { s := `{"color":"blue"}`; return &s }()},
	"search_v2":         {Treatment: "off"},
}

func (f *fakeClient) lookup(name string) client.TreatmentResult {
	if res, ok := treatments[name]; ok {
		return res
	}
	return client.TreatmentResult{Treatment: splitter.Control}
}

func (f *fakeClient) remember(key client.Key, attributes map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.attributes = append(f.attributes, attributes)
}

func (f *fakeClient) GetTreatmentWithConfig(key client.Key, flag string, attributes map[string]any) client.TreatmentResult {
	f.remember(key, attributes)
	return f.lookup(flag)
}

func (f *fakeClient) GetTreatmentsWithConfig(key client.Key, flags []string, attributes map[string]any) map[string]client.TreatmentResult {
	f.remember(key, attributes)
	out := map[string]client.TreatmentResult{}
	for _, name := range flags {
		out[name] = f.lookup(name)
	}
	return out
}

func (f *fakeClient) GetTreatmentsWithConfigByFlagSets(key client.Key, sets []string, attributes map[string]any) map[string]client.TreatmentResult {
	f.remember(key, attributes)
	out := map[string]client.TreatmentResult{}
	for _, set := range sets {
		if set == "frontend" {
			for name, res := range treatments {
				out[name] = res
			}
		}
	}
	return out
}

func (f *fakeClient) Track(key, trafficType, eventType string, value *float64, properties map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, trackCall{key, trafficType, eventType, value, properties})
	return f.trackErr
}

func (f *fakeClient) IsReady() bool { return f.ready }

type fakeSplits struct{}

func (fakeSplits) All() []*ruleengine.ParsedSplit {
	return []*ruleengine.ParsedSplit{
		{
			Name:             "checkout_redesign",
			TrafficTypeName:  "user",
			DefaultTreatment: "off",
			ChangeNumber:     100,
			FlagSets:         []string{"frontend"},
			Conditions: []ruleengine.Condition{{
				Partitions: []splitter.Partition{{Treatment: "on", Size: 50}, {Treatment: "off", Size: 50}},
			}},
		},
		{Name: "legacy", TrafficTypeName: "user", Killed: true, DefaultTreatment: "off", ChangeNumber: 80},
	}
}

func (fakeSplits) ChangeNumber() int64 { return 100 }

func newAPI(t *testing.T, c *fakeClient) (*evalapi.API, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return evalapi.NewAPIWithConfig(logger, c, fakeSplits{}, "", true), &buf
}

func get(t *testing.T, api *evalapi.API, path string, query url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path+"?"+query.Encode(), nil)
	rr := httptest.NewRecorder()
	api.Router.ServeHTTP(rr, req)
	return rr
}

func TestAPI_GetTreatment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		query      url.Values
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Should return the treatment without config",
			path:       "/client/get-treatment",
			query:      url.Values{"key": {"user-42"}, "split-name": {"checkout_redesign"}},
			wantStatus: http.StatusOK,
			wantBody:   `{"splitName":"checkout_redesign","treatment":"on"}`,
		},
		{
			name:       "Should include the config when asked",
			path:       "/client/get-treatment-with-config",
			query:      url.Values{"key": {"user-42"}, "split-name": {"checkout_redesign"}},
			wantStatus: http.StatusOK,
			wantBody:   `{"splitName":"checkout_redesign","treatment":"on","config":"{\"color\":\"blue\"}"}`,
		},
		{
			name:       "Should serve control for unknown flags",
			path:       "/client/get-treatment",
			query:      url.Values{"key": {"user-42"}, "split-name": {"nope"}},
			wantStatus: http.StatusOK,
			wantBody:   `{"splitName":"nope","treatment":"control"}`,
		},
		{
			name:       "Should reject a missing key",
			path:       "/client/get-treatment",
			query:      url.Values{"split-name": {"checkout_redesign"}},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"code":"ERR_INVALID_INPUT","message":"key is required"}`,
		},
		{
			name:       "Should reject a missing flag name",
			path:       "/client/get-treatment",
			query:      url.Values{"key": {"user-42"}},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"code":"ERR_INVALID_INPUT","message":"split-name is required"}`,
		},
		{
			name:       "Should reject attributes that are not a JSON object",
			path:       "/client/get-treatment",
			query:      url.Values{"key": {"user-42"}, "split-name": {"checkout_redesign"}, "attributes": {"[1,2]"}},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"code":"ERR_INVALID_INPUT","message":"attributes must be a JSON object"}`,
		},
		{
			name:       "Should evaluate many flags",
			path:       "/client/get-treatments",
			query:      url.Values{"key": {"user-42"}, "split-names": {"checkout_redesign, search_v2,,"}},
			wantStatus: http.StatusOK,
			wantBody:   `{"checkout_redesign":{"treatment":"on"},"search_v2":{"treatment":"off"}}`,
		},
		{
			name:       "Should evaluate many flags with config",
			path:       "/client/get-treatments-with-config",
			query:      url.Values{"key": {"user-42"}, "split-names": {"checkout_redesign"}},
			wantStatus: http.StatusOK,
			wantBody:   `{"checkout_redesign":{"treatment":"on","config":"{\"color\":\"blue\"}"}}`,
		},
		{
			name:       "Should reject an empty flag list",
			path:       "/client/get-treatments",
			query:      url.Values{"key": {"user-42"}, "split-names": {" , "}},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"code":"ERR_INVALID_INPUT","message":"split-names is required"}`,
		},
		{
			name:       "Should evaluate flag sets",
			path:       "/client/get-treatments-by-sets",
			query:      url.Values{"key": {"user-42"}, "flag-sets": {"frontend"}},
			wantStatus: http.StatusOK,
			wantBody:   `{"checkout_redesign":{"treatment":"on"},"search_v2":{"treatment":"off"}}`,
		},
		{
			name:       "Should reject a missing flag set list",
			path:       "/client/get-treatments-with-config-by-sets",
			query:      url.Values{"key": {"user-42"}},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"code":"ERR_INVALID_INPUT","message":"flag-sets is required"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api, _ := newAPI(t, &fakeClient{ready: true})

			rr := get(t, api, tt.path, tt.query)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
			assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestAPI_ForwardsKeyAndAttributes(t *testing.T) {
	t.Parallel()

	c := &fakeClient{ready: true}
	api, _ := newAPI(t, c)

	rr := get(t, api, "/client/get-treatment", url.Values{
		"key":           {"user-42"},
		"bucketing-key": {"account-7"},
		"split-name":    {"checkout_redesign"},
		"attributes":    {`{"plan":"pro","age":30}`},
	})

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, c.keys, 1)
	assert.Equal(t, client.Key{MatchingKey: "user-42", BucketingKey: "account-7"}, c.keys[0])
	assert.Equal(t, "pro", c.attributes[0]["plan"])
	assert.Equal(t, float64(30), c.attributes[0]["age"])
}

func TestAPI_Track(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		trackErr   error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "Should accept a valid event",
			body:       `{"key":"user-42","trafficType":"user","eventType":"checkout.completed","value":9.5,"properties":{"plan":"pro"}}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "Should reject malformed json",
			body:       `{"key":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERR_INVALID_JSON",
		},
		{
			name:       "Should map validation failures to 400",
			body:       `{"key":"user-42","trafficType":"user","eventType":"bad event"}`,
			trackErr:   fmt.Errorf("%w: event type must match", events.ErrInvalidEvent),
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERR_INVALID_EVENT",
		},
		{
			name:       "Should answer 503 once the client is destroyed",
			body:       `{"key":"user-42","trafficType":"user","eventType":"login"}`,
			trackErr:   client.ErrDestroyed,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "ERR_UNAVAILABLE",
		},
		{
			name:       "Should answer 503 when the queue is full",
			body:       `{"key":"user-42","trafficType":"user","eventType":"login"}`,
			trackErr:   errors.New("events queue is full"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "ERR_UNAVAILABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := &fakeClient{ready: true, trackErr: tt.trackErr}
			api, _ := newAPI(t, c)

			req := httptest.NewRequest(http.MethodPost, "/client/track", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			api.Router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantCode != "" {
				var resp evalapi.ErrorResponse
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantCode, resp.Code)
				return
			}
			require.Len(t, c.tracked, 1)
			assert.Equal(t, "checkout.completed", c.tracked[0].eventType)
			assert.Equal(t, 9.5, *c.tracked[0].value)
			assert.Equal(t, "pro", c.tracked[0].properties["plan"])
		})
	}
}

func TestAPI_Admin(t *testing.T) {
	t.Parallel()

	t.Run("Should list cached flags", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(t, &fakeClient{ready: true})

		rr := get(t, api, "/admin/splits", nil)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp evalapi.SplitsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, int64(100), resp.Since)
		require.Len(t, resp.Splits, 2)
		assert.Equal(t, "checkout_redesign", resp.Splits[0].Name)
		assert.ElementsMatch(t, []string{"on", "off"}, resp.Splits[0].Treatments)
		assert.Equal(t, []string{"frontend"}, resp.Splits[0].FlagSets)
		assert.True(t, resp.Splits[1].Killed)
	})

	t.Run("Should report readiness", func(t *testing.T) {
		t.Parallel()

		ready, _ := newAPI(t, &fakeClient{ready: true})
		rr := get(t, ready, "/admin/ready", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"ready":true}`, rr.Body.String())

		notReady, _ := newAPI(t, &fakeClient{})
		rr = get(t, notReady, "/admin/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.JSONEq(t, `{"ready":false}`, rr.Body.String())
	})
}

func TestAPI_Authentication(t *testing.T) {
	t.Parallel()

	sum := sha256.Sum256([]byte("s3cret-api-key"))
	hash := hex.EncodeToString(sum[:])
	api := evalapi.NewAPI(nil, &fakeClient{ready: true}, fakeSplits{}, hash)

	tests := []struct {
		name       string
		path       string
		apiKey     string
		wantStatus int
	}{
		{name: "Should reject requests without a key", path: "/admin/ready", wantStatus: http.StatusUnauthorized},
		{name: "Should reject a wrong key", path: "/admin/ready", apiKey: "guess", wantStatus: http.StatusUnauthorized},
		{name: "Should accept the configured key", path: "/admin/ready", apiKey: "s3cret-api-key", wantStatus: http.StatusOK},
		{name: "Should leave the health check public", path: "/health", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.apiKey != "" {
				req.Header.Set(evalapi.APIKeyHeader, tt.apiKey)
			}
			rr := httptest.NewRecorder()
			api.Router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestNewAPI_PanicsWithoutKeyHash(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { evalapi.NewAPI(nil, &fakeClient{}, fakeSplits{}, "") })
	assert.Panics(t, func() { evalapi.NewAPIWithConfig(nil, nil, fakeSplits{}, "", true) })
}

func TestRequestLogger(t *testing.T) {
	t.Parallel()

	t.Run("Should propagate an incoming request id", func(t *testing.T) {
		t.Parallel()
		api, logs := newAPI(t, &fakeClient{ready: true})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(evalapi.RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		api.Router.ServeHTTP(rr, req)

		assert.Equal(t, "req-123", rr.Header().Get(evalapi.RequestIDHeader))
		assert.Contains(t, logs.String(), "request_id=req-123")
		assert.Contains(t, logs.String(), "HTTP request completed")
	})

	t.Run("Should generate a request id when missing", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(t, &fakeClient{ready: true})

		rr := get(t, api, "/health", nil)

		assert.Len(t, rr.Header().Get(evalapi.RequestIDHeader), 36)
	})

	t.Run("Should log client errors at warn level", func(t *testing.T) {
		t.Parallel()
		api, logs := newAPI(t, &fakeClient{ready: true})

		get(t, api, "/client/get-treatment", nil)

		assert.Contains(t, logs.String(), "level=WARN")
	})
}
