package ruleengine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeljc/bifrost/internal/splitter"
)

// Engine evaluates flags held in the caches.
// It is safe for concurrent use: all state lives in the storages, which are read lock-free.
type Engine struct {
	splits            SplitStorage
	segments          SegmentStorage
	ruleBasedSegments RuleBasedSegmentStorage
	logger            *slog.Logger // Dedicated logger instance (DI)
}

// New creates a new Engine.
// If logger is nil, it defaults to slog.Default(). Storages are mandatory.
func New(logger *slog.Logger, splits SplitStorage, segments SegmentStorage, ruleBasedSegments RuleBasedSegmentStorage) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if splits == nil {
		panic("ruleengine: split storage cannot be nil")
	}
	if segments == nil {
		panic("ruleengine: segment storage cannot be nil")
	}
	if ruleBasedSegments == nil {
		panic("ruleengine: rule-based segment storage cannot be nil")
	}

	return &Engine{
		splits:            splits,
		segments:          segments,
		ruleBasedSegments: ruleBasedSegments,
		logger:            logger,
	}
}

// EvaluateFeature returns the treatment of a single flag for key.
// It never panics and never returns an error: failures surface as the exception label.
func (e *Engine) EvaluateFeature(key Key, name string, attributes Attributes) Result {
	start := time.Now()

	var split *ParsedSplit
	if err := e.safely(func() { split = e.splits.Split(name) }); err != nil {
		e.logger.Error("failed to read flag", slog.String("flag", name), slog.String("error", err.Error()))
		res := exceptionResult(0)
		res.ElapsedMilliseconds = time.Since(start).Milliseconds()
		return res
	}

	return e.evaluate(key, name, split, attributes, start)
}

// EvaluateFeatures evaluates each flag independently. A failure on one flag
// does not affect the others; a failure reading the cache degrades every name.
func (e *Engine) EvaluateFeatures(key Key, names []string, attributes Attributes) map[string]Result {
	start := time.Now()
	results := make(map[string]Result, len(names))

	var splits map[string]*ParsedSplit
	if err := e.safely(func() { splits = e.splits.Splits(names) }); err != nil {
		e.logger.Error("failed to read flags", slog.Int("count", len(names)), slog.String("error", err.Error()))
		elapsed := time.Since(start).Milliseconds()
		for _, name := range names {
			res := exceptionResult(0)
			res.ElapsedMilliseconds = elapsed
			results[name] = res
		}
		return results
	}

	for _, name := range names {
		results[name] = e.evaluate(key, name, splits[name], attributes, start)
	}
	return results
}

// EvaluateFeaturesByFlagSets evaluates every flag belonging to any of sets.
func (e *Engine) EvaluateFeaturesByFlagSets(key Key, sets []string, attributes Attributes) map[string]Result {
	var names []string
	if err := e.safely(func() { names = e.splits.NamesByFlagSets(sets) }); err != nil {
		e.logger.Error("failed to resolve flag sets", slog.Any("sets", sets), slog.String("error", err.Error()))
		return map[string]Result{}
	}
	return e.EvaluateFeatures(key, names, attributes)
}

func (e *Engine) evaluate(key Key, name string, split *ParsedSplit, attributes Attributes, start time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("flag evaluation panicked", slog.String("flag", name), slog.Any("panic", r))
			var cn int64
			if split != nil {
				cn = split.ChangeNumber
			}
			res = exceptionResult(cn)
		}
		res.ElapsedMilliseconds = time.Since(start).Milliseconds()
	}()

	if split == nil {
		e.logger.Debug("flag definition not found", slog.String("flag", name))
		return notFoundResult()
	}

	input := &EvaluationInput{Key: key, Attributes: attributes, engine: e}
	treatment, label, err := e.treatment(split, input)
	if err != nil {
		e.logger.Error("flag evaluation failed",
			slog.String("flag", name),
			slog.String("error", err.Error()),
		)
		res = exceptionResult(split.ChangeNumber)
		res.ImpressionsDisabled = split.ImpressionsDisabled
		return res
	}

	res = Result{
		Treatment:           treatment,
		Label:               label,
		ChangeNumber:        split.ChangeNumber,
		ImpressionsDisabled: split.ImpressionsDisabled,
	}
	if cfg, ok := split.Configurations[treatment]; ok {
		res.Config = &cfg
	}
	return res
}

// treatment runs the evaluation state machine for a resolved flag.
func (e *Engine) treatment(split *ParsedSplit, input *EvaluationInput) (string, string, error) {
	if split.Killed {
		return split.DefaultTreatment, LabelKilled, nil
	}

	met, err := e.prerequisitesMet(split, input)
	if err != nil {
		return "", "", err
	}
	if !met {
		return split.DefaultTreatment, LabelPrerequisitesNotMet, nil
	}

	bucketingKey := input.Key.bucketing()
	inRollout := false

	for i := range split.Conditions {
		c := &split.Conditions[i]

		// Traffic allocation is checked once, on the first rollout condition.
		if !inRollout && c.Type == ConditionRollout {
			if split.TrafficAllocation < splitter.MaxBucket {
				bucket := splitter.Bucket(bucketingKey, split.TrafficAllocationSeed, split.Algorithm)
				if bucket > split.TrafficAllocation {
					return split.DefaultTreatment, LabelNotInSplit, nil
				}
			}
			inRollout = true
		}

		matched, err := c.Matcher.Match(input)
		if err != nil {
			return "", "", fmt.Errorf("condition %q: %w", c.Label, err)
		}
		if matched {
			return splitter.Treatment(bucketingKey, split.Seed, c.Partitions, split.Algorithm), c.Label, nil
		}
	}

	return split.DefaultTreatment, LabelDefaultRule, nil
}

func (e *Engine) prerequisitesMet(split *ParsedSplit, input *EvaluationInput) (bool, error) {
	for _, p := range split.Prerequisites {
		treatment, err := e.dependencyTreatment(p.FlagName, input)
		if err != nil {
			return false, fmt.Errorf("prerequisite %q: %w", p.FlagName, err)
		}
		if _, ok := p.Treatments[treatment]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// dependencyTreatment evaluates another flag one level deeper.
// A missing flag resolves to control.
func (e *Engine) dependencyTreatment(name string, parent *EvaluationInput) (string, error) {
	child, err := parent.descend()
	if err != nil {
		return "", err
	}

	split := e.splits.Split(name)
	if split == nil {
		return splitter.Control, nil
	}

	treatment, _, err := e.treatment(split, child)
	return treatment, err
}

func (e *Engine) inRuleBasedSegment(name string, parent *EvaluationInput) (bool, error) {
	input, err := parent.descend()
	if err != nil {
		return false, err
	}

	rbs := e.ruleBasedSegments.RuleBasedSegment(name)
	if rbs == nil {
		return false, nil
	}

	key := input.Key.MatchingKey
	if _, excluded := rbs.ExcludedKeys[key]; excluded {
		return false, nil
	}

	for _, ex := range rbs.ExcludedSegments {
		if ex.RuleBased {
			member, err := e.inRuleBasedSegment(ex.Name, input)
			if err != nil {
				return false, err
			}
			if member {
				return false, nil
			}
			continue
		}
		if e.segments.IsInSegment(ex.Name, key) {
			return false, nil
		}
	}

	for _, m := range rbs.Matchers {
		matched, err := m.Match(input)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// descend returns a copy of the input one dependency level deeper.
func (in *EvaluationInput) descend() (*EvaluationInput, error) {
	if in.depth+1 > MaxDependencyDepth {
		return nil, ErrDependencyDepthExceeded
	}
	child := *in
	child.depth++
	return &child, nil
}

// safely runs fn, converting a panic into an error.
func (e *Engine) safely(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint(r))
		}
	}()
	fn()
	return nil
}
