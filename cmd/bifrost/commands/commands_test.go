package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/bifrost/internal/fetcher"
)

const definitions = `
- checkout_redesign:
    treatment: "on"
    keys: ["user-42"]
    config: '{"color":"blue"}'
- checkout_redesign:
    treatment: "off"
- dark_mode:
    treatment: "on"
`

// run executes the root command with args and returns its stdout.
// Commands share package-level flag state, so these tests do not run in parallel.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags() {
	format, logLevel, environment = "json", "error", "development"
	evalFile, evalKey, evalBucketingKey, evalAttributes = "", "", "", ""
	evalFlags, evalSets, evalWithConfig = nil, nil, false
	evalTimeout = 10 * time.Second
	for _, cmd := range []*cobra.Command{rootCmd, evaluateCmd} {
		cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	}
}

func writeDefinitions(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definitions), 0o600))
	return path
}

func TestEvaluate(t *testing.T) {
	path := writeDefinitions(t)

	t.Run("Should evaluate flags for a whitelisted key", func(t *testing.T) {
		out, err := run(t, "evaluate", "--file", path, "--key", "user-42", "--flag", "checkout_redesign,dark_mode")
		require.NoError(t, err)

		var got map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, map[string]string{"checkout_redesign": "on", "dark_mode": "on"}, got)
	})

	t.Run("Should serve the rollout treatment to other keys", func(t *testing.T) {
		out, err := run(t, "evaluate", "--file", path, "--key", "user-1", "--flag", "checkout_redesign")
		require.NoError(t, err)

		var got map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "off", got["checkout_redesign"])
	})

	t.Run("Should serve control for an unknown flag", func(t *testing.T) {
		out, err := run(t, "evaluate", "--file", path, "--key", "user-1", "--flag", "missing")
		require.NoError(t, err)

		var got map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "control", got["missing"])
	})

	t.Run("Should include configurations as yaml", func(t *testing.T) {
		out, err := run(t, "evaluate", "--file", path, "--key", "user-42", "--flag", "checkout_redesign", "--with-config", "--format", "yaml")
		require.NoError(t, err)

		var got map[string]struct {
			Treatment string  `yaml:"treatment"`
			Config    *string `yaml:"config"`
		}
		require.NoError(t, yaml.Unmarshal([]byte(out), &got))
		require.Contains(t, got, "checkout_redesign")
		assert.Equal(t, "on", got["checkout_redesign"].Treatment)
		require.NotNil(t, got["checkout_redesign"].Config)
		assert.JSONEq(t, `{"color":"blue"}`, *got["checkout_redesign"].Config)
	})

	t.Run("Should print a table sorted by flag name", func(t *testing.T) {
		out, err := run(t, "evaluate", "--file", path, "--key", "user-42", "--flag", "dark_mode,checkout_redesign", "--format", "table")
		require.NoError(t, err)

		assert.Contains(t, strings.ToUpper(out), "TREATMENT")
		assert.Less(t, strings.Index(out, "checkout_redesign"), strings.Index(out, "dark_mode"))
	})

	t.Run("Should fail without a flag or a set", func(t *testing.T) {
		_, err := run(t, "evaluate", "--file", path, "--key", "user-42")
		assert.ErrorContains(t, err, "at least one --flag or --set is required")
	})

	t.Run("Should fail on attributes that are not a JSON object", func(t *testing.T) {
		_, err := run(t, "evaluate", "--file", path, "--key", "user-42", "--flag", "dark_mode", "--attributes", "[1,2]")
		assert.ErrorContains(t, err, "attributes must be a JSON object")
	})

	t.Run("Should fail when the definitions file does not exist", func(t *testing.T) {
		_, err := run(t, "evaluate", "--file", filepath.Join(t.TempDir(), "missing.yaml"), "--key", "user-42", "--flag", "dark_mode", "--timeout", "200ms")
		assert.Error(t, err)
	})
}

func TestPrintResult(t *testing.T) {
	t.Cleanup(func() { format = "json" })

	t.Run("Should reject unknown formats", func(t *testing.T) {
		format = "xml"
		err := printResult(&bytes.Buffer{}, map[string]string{"a": "b"})
		assert.ErrorContains(t, err, `unsupported output format "xml"`)
	})

	t.Run("Should reject table output for untabulated results", func(t *testing.T) {
		format = "table"
		err := printResult(&bytes.Buffer{}, map[string]string{"a": "b"})
		assert.ErrorContains(t, err, "table output is not supported")
	})

	t.Run("Should encode yaml", func(t *testing.T) {
		format = "yaml"
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, map[string]string{"dark_mode": "on"}))
		assert.Equal(t, "dark_mode: \"on\"\n", buf.String())
	})
}

func TestPublishReport(t *testing.T) {
	t.Parallel()

	var report publishReport
	report.record("a", nil)
	report.record("b", fmt.Errorf("split %q: %w", "b", fetcher.ErrStaleChangeNumber))
	report.record("c", errors.New("connection refused"))

	assert.Equal(t, []string{"a"}, report.Published)
	assert.Equal(t, []string{"b"}, report.Skipped)
	assert.Equal(t, map[string]string{"c": "connection refused"}, report.Failed)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, buildVersion()+"\n", out)
}
