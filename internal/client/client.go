// Package client is the public evaluation surface of the SDK.
//
// Every evaluation method is safe for concurrent use and never returns an
// error: invalid input, an SDK that is not ready yet or a destroyed client
// all resolve to the control treatment.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/bifrost/internal/events"
	"github.com/rafaeljc/bifrost/internal/impressions"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/splitter"
)

// LabelNotReady marks evaluations made before the first synchronization finished.
const LabelNotReady = "not ready"

// Method names used for telemetry.
const (
	MethodGetTreatment               = "get_treatment"
	MethodGetTreatmentWithConfig     = "get_treatment_with_config"
	MethodGetTreatments              = "get_treatments"
	MethodGetTreatmentsWithConfig    = "get_treatments_with_config"
	MethodGetTreatmentsByFlagSets    = "get_treatments_by_flag_sets"
	MethodGetTreatmentsWithConfigSet = "get_treatments_with_config_by_flag_sets"
	MethodTrack                      = "track"
)

// ErrDestroyed is returned by Track and BlockUntilReady after Destroy.
var ErrDestroyed = errors.New("client has been destroyed")

// Key identifies who is being evaluated.
type Key = ruleengine.Key

// Evaluator produces treatments from the local caches.
type Evaluator interface {
	EvaluateFeature(key ruleengine.Key, name string, attributes ruleengine.Attributes) ruleengine.Result
	EvaluateFeatures(key ruleengine.Key, names []string, attributes ruleengine.Attributes) map[string]ruleengine.Result
	EvaluateFeaturesByFlagSets(key ruleengine.Key, sets []string, attributes ruleengine.Attributes) map[string]ruleengine.Result
}

// Telemetry receives evaluation latencies and exception counts.
// Implementations must not block.
type Telemetry interface {
	RecordLatency(method string, elapsed time.Duration)
	RecordException(method string)
}

// ImpressionRecorder receives the impressions produced by one call.
type ImpressionRecorder interface {
	Process(imps []impressions.Impression, attributes map[string]any)
}

// EventRecorder validates and queues tracked events.
type EventRecorder interface {
	Record(e events.Event) error
}

// TrafficTypes reports whether any known flag uses a traffic type.
type TrafficTypes interface {
	TrafficTypeExists(trafficType string) bool
}

// Deps are the collaborators of a Client. Evaluator and Ready are mandatory.
type Deps struct {
	Evaluator    Evaluator
	Ready        <-chan struct{}
	Impressions  ImpressionRecorder
	Events       EventRecorder
	Telemetry    Telemetry
	TrafficTypes TrafficTypes

	// OnDestroy stops background work. It runs once.
	OnDestroy func()
}

// TreatmentResult is a treatment with its optional configuration.
type TreatmentResult struct {
	Treatment string  `json:"treatment"`
	Config    *string `json:"config"`
}

// Client evaluates flags and tracks events.
type Client struct {
	deps      Deps
	destroyed atomic.Bool
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Client.
func New(logger *slog.Logger, deps Deps) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Evaluator == nil {
		panic("client: evaluator cannot be nil")
	}
	if deps.Ready == nil {
		panic("client: ready channel cannot be nil")
	}
	if deps.Events == nil {
		deps.Events = events.NewRecorder(logger, nil)
	}

	return &Client{
		deps:   deps,
		now:    time.Now,
		logger: logger,
	}
}

// GetTreatment returns the treatment of flag for key.
func (c *Client) GetTreatment(key Key, flag string, attributes map[string]any) string {
	return c.single(MethodGetTreatment, key, flag, attributes).Treatment
}

// GetTreatmentWithConfig returns the treatment of flag and its configuration.
func (c *Client) GetTreatmentWithConfig(key Key, flag string, attributes map[string]any) TreatmentResult {
	return c.single(MethodGetTreatmentWithConfig, key, flag, attributes)
}

// GetTreatments returns a treatment per flag name.
func (c *Client) GetTreatments(key Key, flags []string, attributes map[string]any) map[string]string {
	return treatmentsOnly(c.multi(MethodGetTreatments, key, flags, attributes))
}

// GetTreatmentsWithConfig returns a treatment and configuration per flag name.
func (c *Client) GetTreatmentsWithConfig(key Key, flags []string, attributes map[string]any) map[string]TreatmentResult {
	return c.multi(MethodGetTreatmentsWithConfig, key, flags, attributes)
}

// GetTreatmentsByFlagSets evaluates every flag that belongs to any of sets.
func (c *Client) GetTreatmentsByFlagSets(key Key, sets []string, attributes map[string]any) map[string]string {
	return treatmentsOnly(c.bySets(MethodGetTreatmentsByFlagSets, key, sets, attributes))
}

// GetTreatmentsWithConfigByFlagSets is GetTreatmentsByFlagSets including configurations.
func (c *Client) GetTreatmentsWithConfigByFlagSets(key Key, sets []string, attributes map[string]any) map[string]TreatmentResult {
	return c.bySets(MethodGetTreatmentsWithConfigSet, key, sets, attributes)
}

// Track records an event. value may be nil.
func (c *Client) Track(key, trafficType, eventType string, value *float64, properties map[string]any) error {
	start := c.now()
	defer c.observe(MethodTrack, start)

	if c.destroyed.Load() {
		c.logger.Error("track called on a destroyed client")
		return ErrDestroyed
	}

	if c.deps.TrafficTypes != nil && c.IsReady() && !c.deps.TrafficTypes.TrafficTypeExists(trafficType) {
		c.logger.Warn("traffic type does not have any flag associated to it",
			slog.String("traffic_type", trafficType),
		)
	}

	return c.deps.Events.Record(events.Event{
		Key:             key,
		TrafficTypeName: trafficType,
		EventTypeID:     eventType,
		Value:           value,
		Timestamp:       start.UnixMilli(),
		Properties:      properties,
	})
}

// BlockUntilReady waits for the first synchronization or for ctx to end.
func (c *Client) BlockUntilReady(ctx context.Context) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	select {
	case <-c.deps.Ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sdk not ready: %w", ctx.Err())
	}
}

// IsReady reports whether the first synchronization has finished.
func (c *Client) IsReady() bool {
	select {
	case <-c.deps.Ready:
		return true
	default:
		return false
	}
}

// Destroy stops background work. Later evaluations return control.
func (c *Client) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	if c.deps.OnDestroy != nil {
		c.deps.OnDestroy()
	}
	c.logger.Info("client destroyed")
}

func (c *Client) single(method string, key Key, flag string, attributes map[string]any) TreatmentResult {
	start := c.now()
	defer c.observe(method, start)

	if !c.usable(method) {
		return controlResult()
	}
	key, ok := c.validKey(method, key)
	if !ok {
		return controlResult()
	}
	flag, ok = c.validFlagName(method, flag)
	if !ok {
		return controlResult()
	}

	res := c.evaluateOne(key, flag, attributes)
	if res.Exception {
		c.exception(method)
	}
	c.record(key, map[string]ruleengine.Result{flag: res}, attributes, start)

	return TreatmentResult{Treatment: res.Treatment, Config: res.Config}
}

func (c *Client) multi(method string, key Key, flags []string, attributes map[string]any) map[string]TreatmentResult {
	start := c.now()
	defer c.observe(method, start)

	names := c.validFlagNames(method, flags)
	if !c.usable(method) {
		return controlResults(names)
	}
	key, ok := c.validKey(method, key)
	if !ok {
		return controlResults(names)
	}
	if len(names) == 0 {
		return map[string]TreatmentResult{}
	}

	var results map[string]ruleengine.Result
	if c.IsReady() {
		results = c.deps.Evaluator.EvaluateFeatures(key, names, attributes)
	} else {
		results = notReadyResults(names)
	}
	return c.finish(method, key, results, attributes, start)
}

func (c *Client) bySets(method string, key Key, sets []string, attributes map[string]any) map[string]TreatmentResult {
	start := c.now()
	defer c.observe(method, start)

	if !c.usable(method) {
		return map[string]TreatmentResult{}
	}
	key, ok := c.validKey(method, key)
	if !ok {
		return map[string]TreatmentResult{}
	}
	sets = c.validFlagSets(method, sets)
	if len(sets) == 0 || !c.IsReady() {
		return map[string]TreatmentResult{}
	}

	results := c.deps.Evaluator.EvaluateFeaturesByFlagSets(key, sets, attributes)
	return c.finish(method, key, results, attributes, start)
}

func (c *Client) evaluateOne(key Key, flag string, attributes map[string]any) ruleengine.Result {
	if !c.IsReady() {
		c.logger.Warn("sdk is not ready, serving control", slog.String("flag", flag))
		return ruleengine.Result{Treatment: splitter.Control, Label: LabelNotReady}
	}
	return c.deps.Evaluator.EvaluateFeature(key, flag, attributes)
}

func (c *Client) finish(method string, key Key, results map[string]ruleengine.Result, attributes map[string]any, start time.Time) map[string]TreatmentResult {
	out := make(map[string]TreatmentResult, len(results))
	exception := false
	for name, res := range results {
		out[name] = TreatmentResult{Treatment: res.Treatment, Config: res.Config}
		exception = exception || res.Exception
	}
	if exception {
		c.exception(method)
	}
	c.record(key, results, attributes, start)
	return out
}

// record builds impressions for every evaluated flag that exists.
func (c *Client) record(key Key, results map[string]ruleengine.Result, attributes map[string]any, at time.Time) {
	if c.deps.Impressions == nil {
		return
	}

	imps := make([]impressions.Impression, 0, len(results))
	for name, res := range results {
		if res.Label == ruleengine.LabelDefinitionNotFound {
			continue
		}
		imp := impressions.Impression{
			FeatureName:  name,
			KeyName:      key.MatchingKey,
			Treatment:    res.Treatment,
			Label:        res.Label,
			ChangeNumber: res.ChangeNumber,
			Time:         at.UnixMilli(),
			Disabled:     res.ImpressionsDisabled,
		}
		if key.BucketingKey != key.MatchingKey {
			imp.BucketingKey = key.BucketingKey
		}
		imps = append(imps, imp)
	}
	if len(imps) > 0 {
		c.deps.Impressions.Process(imps, attributes)
	}
}

func (c *Client) usable(method string) bool {
	if c.destroyed.Load() {
		c.logger.Error("client has been destroyed, serving control", slog.String("method", method))
		return false
	}
	return true
}

func (c *Client) observe(method string, start time.Time) {
	if c.deps.Telemetry != nil {
		c.deps.Telemetry.RecordLatency(method, c.now().Sub(start))
	}
}

func (c *Client) exception(method string) {
	if c.deps.Telemetry != nil {
		c.deps.Telemetry.RecordException(method)
	}
}

func controlResult() TreatmentResult {
	return TreatmentResult{Treatment: splitter.Control}
}

func controlResults(names []string) map[string]TreatmentResult {
	out := make(map[string]TreatmentResult, len(names))
	for _, name := range names {
		out[name] = controlResult()
	}
	return out
}

func notReadyResults(names []string) map[string]ruleengine.Result {
	out := make(map[string]ruleengine.Result, len(names))
	for _, name := range names {
		out[name] = ruleengine.Result{Treatment: splitter.Control, Label: LabelNotReady}
	}
	return out
}

func treatmentsOnly(results map[string]TreatmentResult) map[string]string {
	out := make(map[string]string, len(results))
	for name, res := range results {
		out[name] = res.Treatment
	}
	return out
}
