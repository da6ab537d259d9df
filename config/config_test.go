package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ballotd/config"
	"ballotd/internal/permissions"
)

const validYAML = `
database:
  dsn: "postgres://localhost/ballotd"
committer:
  policy_api_base_url: "https://policy.example.internal"
bootstrap:
  manifest_path: "./manifest.toml"
admin:
  jwt_secret: "shared-secret"
thresholds:
  macos:
    BINARY:
      ban: -10
      global: 50
      local_allow: 20
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ballotd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeTempConfig(t, validYAML))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, 20, cfg.Database.MaxOpenConns)
	require.Equal(t, 5000, cfg.Analytics.MaxBatch)
	require.Equal(t, 10, cfg.Committer.BatchSize)
	require.Equal(t, ":8081", cfg.Admin.ListenAddress)
}

func TestLoad_RejectsMissingDSN(t *testing.T) {
	_, err := config.Load(writeTempConfig(t, `
committer:
  policy_api_base_url: "https://policy.example.internal"
bootstrap:
  manifest_path: "./manifest.toml"
admin:
  jwt_secret: "x"
`))
	require.Error(t, err)
}

func TestLoad_RejectsMissingJWTSecret(t *testing.T) {
	_, err := config.Load(writeTempConfig(t, `
database:
  dsn: "postgres://localhost/ballotd"
committer:
  policy_api_base_url: "https://policy.example.internal"
bootstrap:
  manifest_path: "./manifest.toml"
`))
	require.Error(t, err)
}

func TestCommitterConfig_TokenFileOverridesInlineToken(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("from-file\n"), 0o600))

	yamlContents := `
database:
  dsn: "postgres://localhost/ballotd"
committer:
  policy_api_base_url: "https://policy.example.internal"
  policy_api_token: "inline"
  policy_api_token_file: "` + tokenPath + `"
bootstrap:
  manifest_path: "./manifest.toml"
admin:
  jwt_secret: "shared-secret"
`
	cfg, err := config.Load(writeTempConfig(t, yamlContents))
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Committer.PolicyAPIToken)
}

func TestThresholdsFile_Resolve(t *testing.T) {
	cfg, err := config.Load(writeTempConfig(t, validYAML))
	require.NoError(t, err)
	resolved, err := cfg.Thresholds.Resolve()
	require.NoError(t, err)
	macBinary, ok := resolved[permissions.MacOS][permissions.RuleTypeBinary]
	require.True(t, ok)
	require.Equal(t, int64(-10), macBinary.Ban)
	require.Equal(t, int64(50), macBinary.Global)
	require.NotNil(t, macBinary.LocalAllow)
	require.Equal(t, int64(20), *macBinary.LocalAllow)
}

func TestThresholdsFile_Resolve_RejectsNonNegativeBan(t *testing.T) {
	file := config.ThresholdsFile{MacOS: map[string]config.PlatformThresholds{
		"BINARY": {Ban: 0, Global: 10},
	}}
	_, err := file.Resolve()
	require.Error(t, err)
}

func TestThresholdsFile_Resolve_RejectsNonPositiveGlobal(t *testing.T) {
	file := config.ThresholdsFile{MacOS: map[string]config.PlatformThresholds{
		"BINARY": {Ban: -1, Global: 0},
	}}
	_, err := file.Resolve()
	require.Error(t, err)
}
