package client

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// MaxKeyLength bounds matching and bucketing keys.
const MaxKeyLength = 250

var flagSetPattern = regexp.MustCompile(`^[a-z0-9][_a-z0-9]{0,49}$`)

func (c *Client) validKey(method string, key Key) (Key, bool) {
	if key.MatchingKey == "" {
		c.logger.Error("key cannot be empty, serving control", slog.String("method", method))
		return key, false
	}
	if len(key.MatchingKey) > MaxKeyLength {
		c.logger.Error("key is too long, serving control",
			slog.String("method", method),
			slog.Int("max_length", MaxKeyLength),
		)
		return key, false
	}
	if key.BucketingKey == "" {
		key = ruleengine.NewKey(key.MatchingKey, "")
	}
	if len(key.BucketingKey) > MaxKeyLength {
		c.logger.Error("bucketing key is too long, serving control",
			slog.String("method", method),
			slog.Int("max_length", MaxKeyLength),
		)
		return key, false
	}
	return key, true
}

func (c *Client) validFlagName(method, flag string) (string, bool) {
	trimmed := strings.TrimSpace(flag)
	if trimmed == "" {
		c.logger.Error("flag name cannot be empty, serving control", slog.String("method", method))
		return "", false
	}
	if trimmed != flag {
		c.logger.Warn("flag name has extra whitespace, trimming",
			slog.String("method", method),
			slog.String("flag", flag),
		)
	}
	return trimmed, true
}

// validFlagNames trims, drops empty names and removes duplicates, keeping order.
func (c *Client) validFlagNames(method string, flags []string) []string {
	seen := make(map[string]struct{}, len(flags))
	names := make([]string, 0, len(flags))
	for _, flag := range flags {
		name, ok := c.validFlagName(method, flag)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// validFlagSets lowercases set names and skips those that can never exist.
func (c *Client) validFlagSets(method string, sets []string) []string {
	seen := make(map[string]struct{}, len(sets))
	out := make([]string, 0, len(sets))
	for _, raw := range sets {
		set := strings.ToLower(strings.TrimSpace(raw))
		if !flagSetPattern.MatchString(set) {
			c.logger.Warn("invalid flag set, skipping",
				slog.String("method", method),
				slog.String("flag_set", raw),
			)
			continue
		}
		if _, dup := seen[set]; dup {
			continue
		}
		seen[set] = struct{}{}
		out = append(out, set)
	}
	return out
}
