package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("src-provider", "minio", "")
	flags.String("src-endpoint", "", "")
	flags.String("src-region", "", "")
	flags.String("src-access-key", "", "")
	flags.String("src-secret-key", "", "")
	flags.Bool("src-secure", false, "")
	flags.String("src-bucket", "", "")
	flags.String("dst-provider", "minio", "")
	flags.String("dst-endpoint", "", "")
	flags.String("dst-region", "", "")
	flags.String("dst-access-key", "", "")
	flags.String("dst-secret-key", "", "")
	flags.Bool("dst-secure", false, "")
	flags.String("dst-bucket", "", "")
	flags.String("prefix", "", "")
	flags.String("artifact", "", "")
	flags.String("strategy", "auto", "")
	flags.Int("concurrency", 0, "")
	flags.Int("batch-count", 0, "")
	flags.Int64("batch-bytes", 0, "")
	flags.Int("max-retries", 5, "")
	flags.Int("backoff-base-ms", 500, "")
	flags.Float64("backoff-factor", 2.0, "")
	flags.Int("backoff-max-ms", 30000, "")
	flags.Float64("rate-limit-source", 0, "")
	flags.Float64("rate-limit-target", 0, "")
	flags.Int("acquire-timeout-ms", 120000, "")
	flags.String("checkpoint", "./checkpoint.db", "")
	flags.String("run-id", "", "")
	flags.Bool("dry-run", false, "")
	flags.Bool("skip-existing", true, "")
	flags.Bool("show-progress", true, "")
	flags.String("metrics-addr", ":8080", "")
	flags.Int64("spool-threshold", 33554432, "")
	flags.String("log-level", "info", "")
	return flags
}

func parse(t *testing.T, flags *pflag.FlagSet, args ...string) {
	t.Helper()
	require.NoError(t, flags.Parse(args))
}

func TestLoad_DefaultsWithRequiredFlags(t *testing.T) {
	flags := baseFlags()
	parse(t, flags,
		"--src-endpoint=localhost:9000", "--src-bucket=src",
		"--dst-endpoint=localhost:9010", "--dst-bucket=dst",
	)

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Migration.Strategy)
	assert.Equal(t, 5, cfg.Migration.MaxRetries)
	assert.Equal(t, 500, cfg.Migration.BackoffBaseMs)
	assert.Equal(t, 2.0, cfg.Migration.BackoffFactor)
	assert.Equal(t, 30000, cfg.Migration.BackoffMaxMs)
	assert.Equal(t, 120000, cfg.Migration.AcquireTimeoutMs)
	assert.Equal(t, int64(33554432), cfg.Migration.SpoolThreshold)
	assert.True(t, cfg.Migration.SkipExisting)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  endpoint: file-src:9000
  bucket: file-src-bucket
target:
  endpoint: file-dst:9000
  bucket: file-dst-bucket
migration:
  strategy: small
  max_retries: 2
log_level: debug
`), 0o644))

	flags := baseFlags()
	parse(t, flags, "--strategy=large", "--src-bucket=flag-bucket")

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "large", cfg.Migration.Strategy)
	assert.Equal(t, "flag-bucket", cfg.Source.Bucket)
	// file values survive where no flag changed
	assert.Equal(t, "file-src:9000", cfg.Source.Endpoint)
	assert.Equal(t, 2, cfg.Migration.MaxRetries)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "missing source endpoint",
			args: []string{"--src-bucket=a", "--dst-endpoint=e", "--dst-bucket=b"},
			want: "source endpoint is required",
		},
		{
			name: "missing target bucket",
			args: []string{"--src-endpoint=e", "--src-bucket=a", "--dst-endpoint=e"},
			want: "target bucket is required",
		},
		{
			name: "bad strategy",
			args: []string{"--src-endpoint=e", "--src-bucket=a", "--dst-endpoint=e", "--dst-bucket=b", "--strategy=huge"},
			want: "strategy must be one of",
		},
		{
			name: "bad max retries",
			args: []string{"--src-endpoint=e", "--src-bucket=a", "--dst-endpoint=e", "--dst-bucket=b", "--max-retries=0"},
			want: "max retries must be at least 1",
		},
		{
			name: "bad backoff factor",
			args: []string{"--src-endpoint=e", "--src-bucket=a", "--dst-endpoint=e", "--dst-bucket=b", "--backoff-factor=0.5"},
			want: "backoff factor must be at least 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flags := baseFlags()
			parse(t, flags, tc.args...)
			_, err := Load("", flags)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestSelectStrategy_AutoThresholds(t *testing.T) {
	assert.Equal(t, "small", SelectStrategy("auto", 0).Name)
	assert.Equal(t, "small", SelectStrategy("auto", 256<<20).Name)
	assert.Equal(t, "medium", SelectStrategy("auto", (256<<20)+1).Name)
	assert.Equal(t, "medium", SelectStrategy("auto", 64<<30).Name)
	assert.Equal(t, "large", SelectStrategy("auto", (64<<30)+1).Name)
}

func TestSelectStrategy_ExplicitHintWins(t *testing.T) {
	s := SelectStrategy("small", 100<<30)
	assert.Equal(t, "small", s.Name)
	assert.Equal(t, 1, s.Concurrency)
	assert.Equal(t, 1, s.BatchCount)

	s = SelectStrategy("large", 1)
	assert.Equal(t, "large", s.Name)
	assert.Equal(t, 32, s.Concurrency)
}

func TestResolve_OverridesWin(t *testing.T) {
	m := Migration{Concurrency: 4, BatchBytes: 1024}
	s := m.Resolve(SelectStrategy("medium", 0))

	assert.Equal(t, 4, s.Concurrency)
	assert.Equal(t, int64(1024), s.BatchBytes)
	// untouched fields keep the preset value
	assert.Equal(t, 32, s.BatchCount)
}
