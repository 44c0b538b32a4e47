package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/splitter"
	"github.com/rafaeljc/bifrost/internal/validation"
)

const (
	localhostTrafficType = "user"
	localhostLabel       = "localhost definition"
)

// LocalhostFetcher serves the change feeds from a definitions file on disk.
//
// A .json file holds a split-changes page. A .yaml or .yml file holds a list of
// single-key maps, flag name to {treatment, keys, config}. Segment deltas are read
// from <dir>/segments/<name>.json when present.
//
// The file's modification time doubles as its change number, so saving the file
// is enough for the next fetch to serve the new definitions. Flags that disappear
// from the file are served as archived so the cache drops them.
type LocalhostFetcher struct {
	path        string
	segmentsDir string
	logger      *slog.Logger

	mu     sync.Mutex
	served map[string]struct{}
}

// NewLocalhostFetcher creates a fetcher for the definitions file at path.
func NewLocalhostFetcher(logger *slog.Logger, path string) *LocalhostFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotEmpty(path, "fetcher", "localhost definitions path")
	return &LocalhostFetcher{
		path:        path,
		segmentsDir: filepath.Join(filepath.Dir(path), "segments"),
		logger:      logger,
		served:      make(map[string]struct{}),
	}
}

// FetchSplitChanges returns the whole file when it is newer than since, and an
// empty page otherwise.
func (f *LocalhostFetcher) FetchSplitChanges(ctx context.Context, since, rbSince int64, _ *int64) (*dtos.SplitChangesDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat definitions file: %w", err)
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}
	modified := info.ModTime().UnixMilli()

	var page *dtos.SplitChangesDTO
	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".yaml", ".yml":
		page, err = parseYAMLDefinitions(raw, modified)
	case ".json":
		page, err = parseJSONDefinitions(raw, modified)
	default:
		err = fmt.Errorf("unsupported definitions file extension %q", filepath.Ext(f.path))
	}
	if err != nil {
		return nil, err
	}

	out := &dtos.SplitChangesDTO{
		FeatureFlags:      dtos.FeatureFlagsDTO{Since: since, Till: since},
		RuleBasedSegments: dtos.RuleBasedSegmentsDTO{Since: rbSince, Till: rbSince},
	}

	if page.FeatureFlags.Till > since {
		out.FeatureFlags.Splits = f.withTombstones(page.FeatureFlags.Splits, page.FeatureFlags.Till)
		out.FeatureFlags.Till = page.FeatureFlags.Till
	}
	if page.RuleBasedSegments.Till > rbSince {
		out.RuleBasedSegments.RuleBasedSegments = page.RuleBasedSegments.RuleBasedSegments
		out.RuleBasedSegments.Till = page.RuleBasedSegments.Till
	}
	return out, nil
}

// FetchSegmentChanges serves <dir>/segments/<name>.json. A missing file is an empty segment.
func (f *LocalhostFetcher) FetchSegmentChanges(ctx context.Context, name string, since int64, _ *int64) (*dtos.SegmentChangesDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	empty := &dtos.SegmentChangesDTO{Name: name, Since: since, Till: since}

	raw, err := os.ReadFile(filepath.Join(f.segmentsDir, filepath.Base(name)+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %q: %w", name, err)
	}

	var seg dtos.SegmentChangesDTO
	if err := json.Unmarshal(raw, &seg); err != nil {
		return nil, fmt.Errorf("failed to decode segment %q: %w", name, err)
	}
	if seg.Till <= since {
		return empty, nil
	}
	seg.Name = name
	seg.Since = since
	return &seg, nil
}

// Watch calls onChange every time the definitions file is written or replaced.
// It blocks until ctx is cancelled.
func (f *LocalhostFetcher) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file instead of writing it in place,
	// which drops a watch on the file itself. Watch the directory instead.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}

	target := filepath.Clean(f.path)
	f.logger.Info("watching definitions file", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				f.logger.Debug("definitions file changed", slog.String("op", event.Op.String()))
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// withTombstones appends an archived definition for every flag served before
// and missing now, then remembers the current set.
func (f *LocalhostFetcher) withTombstones(splits []dtos.SplitDTO, till int64) []dtos.SplitDTO {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := make(map[string]struct{}, len(splits))
	for _, s := range splits {
		current[s.Name] = struct{}{}
	}
	for name := range f.served {
		if _, ok := current[name]; !ok {
			splits = append(splits, dtos.SplitDTO{Name: name, Status: dtos.StatusArchived, ChangeNumber: till})
		}
	}
	f.served = current
	return splits
}

func parseJSONDefinitions(raw []byte, modified int64) (*dtos.SplitChangesDTO, error) {
	var page dtos.SplitChangesDTO
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("failed to decode json definitions: %w", err)
	}
	page.FeatureFlags.Till = max(page.FeatureFlags.Till, modified)
	page.RuleBasedSegments.Till = max(page.RuleBasedSegments.Till, modified)
	return &page, nil
}

// yamlTreatment is one entry of a YAML definitions file.
type yamlTreatment struct {
	Treatment string  `yaml:"treatment"`
	Keys      keyList `yaml:"keys"`
	Config    string  `yaml:"config"`
}

// keyList accepts either a single key or a list of keys.
type keyList []string

func (k *keyList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*k = keyList{value.Value}
		return nil
	case yaml.SequenceNode:
		var keys []string
		if err := value.Decode(&keys); err != nil {
			return err
		}
		*k = keys
		return nil
	default:
		return fmt.Errorf("line %d: keys must be a string or a list of strings", value.Line)
	}
}

// parseYAMLDefinitions turns each flag into whitelist conditions, one per entry
// with keys, followed by a rollout condition for the last entry without keys.
// A flag with no rollout entry serves control to everyone else.
func parseYAMLDefinitions(raw []byte, modified int64) (*dtos.SplitChangesDTO, error) {
	var entries []map[string]yamlTreatment
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode yaml definitions: %w", err)
	}

	var order []string
	whitelists := make(map[string][]dtos.ConditionDTO)
	rollouts := make(map[string]*dtos.ConditionDTO)
	configs := make(map[string]map[string]string)

	for i, entry := range entries {
		if len(entry) != 1 {
			return nil, fmt.Errorf("entry %d: expected a single flag name, got %d", i, len(entry))
		}
		for name, def := range entry {
			if def.Treatment == "" {
				return nil, fmt.Errorf("flag %q: treatment cannot be empty", name)
			}
			if _, seen := configs[name]; !seen {
				order = append(order, name)
				configs[name] = make(map[string]string)
			}
			if def.Config != "" {
				configs[name][def.Treatment] = def.Config
			}

			if len(def.Keys) > 0 {
				whitelists[name] = append(whitelists[name], localhostCondition("WHITELIST", def.Treatment, dtos.MatcherDTO{
					MatcherType:          "WHITELIST",
					WhitelistMatcherData: &dtos.WhitelistMatcherDataDTO{Whitelist: def.Keys},
				}))
				continue
			}
			cond := localhostCondition("ROLLOUT", def.Treatment, dtos.MatcherDTO{MatcherType: "ALL_KEYS"})
			rollouts[name] = &cond
		}
	}

	page := &dtos.SplitChangesDTO{
		FeatureFlags:      dtos.FeatureFlagsDTO{Since: -1, Till: modified},
		RuleBasedSegments: dtos.RuleBasedSegmentsDTO{Since: -1, Till: -1},
	}
	for _, name := range order {
		conditions := whitelists[name]
		if rollout := rollouts[name]; rollout != nil {
			conditions = append(conditions, *rollout)
		}
		split := dtos.SplitDTO{
			Name:             name,
			TrafficTypeName:  localhostTrafficType,
			ChangeNumber:     modified,
			Status:           dtos.StatusActive,
			DefaultTreatment: splitter.Control,
			Algo:             2,
			Conditions:       conditions,
		}
		if len(configs[name]) > 0 {
			split.Configurations = configs[name]
		}
		page.FeatureFlags.Splits = append(page.FeatureFlags.Splits, split)
	}
	return page, nil
}

func localhostCondition(conditionType, treatment string, matcher dtos.MatcherDTO) dtos.ConditionDTO {
	return dtos.ConditionDTO{
		ConditionType: conditionType,
		MatcherGroup:  dtos.MatcherGroupDTO{Combiner: "AND", Matchers: []dtos.MatcherDTO{matcher}},
		Partitions:    []dtos.PartitionDTO{{Treatment: treatment, Size: 100}},
		Label:         localhostLabel,
	}
}
