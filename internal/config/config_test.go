package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnny-lai/sqs-dispatch/internal/dispatcher"
)

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--queue-url", "https://sqs.example/queue",
		"--endpoint-url", "http://localhost:4566",
		"-e", "/bin/echo",
		"-e", "{}.body",
		"--heartbeat-visibility", "short",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://sqs.example/queue", cfg.QueueURL)
	assert.Equal(t, "http://localhost:4566", cfg.EndpointURL)
	assert.Equal(t, []string{"/bin/echo", "{}.body"}, cfg.Exec)

	seconds, err := cfg.HeartbeatVisibilitySeconds()
	require.NoError(t, err)
	assert.Equal(t, dispatcher.HeartbeatVisibilityShort, seconds)
}

func TestLoadDefaultsHeartbeatVisibilityLong(t *testing.T) {
	cfg, err := Load([]string{"--queue-url", "https://sqs.example/queue"})
	require.NoError(t, err)

	seconds, err := cfg.HeartbeatVisibilitySeconds()
	require.NoError(t, err)
	assert.Equal(t, dispatcher.HeartbeatVisibilityLong, seconds)
}

func TestLoadEnvFillsUnsetFlags(t *testing.T) {
	t.Setenv("SQS_DISPATCH_QUEUE_URL", "https://sqs.example/from-env")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.example/from-env", cfg.QueueURL)
}

func TestLoadOverlayFileFillsGaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue_url = "https://sqs.example/from-file"
admin_addr = ":9999"
`), 0o600))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "https://sqs.example/from-file", cfg.QueueURL)
	assert.Equal(t, ":9999", cfg.AdminAddr)
}

func TestLoadFlagsOverrideOverlayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(`queue_url = "https://sqs.example/from-file"`), 0o600))

	cfg, err := Load([]string{"--config", path, "--queue-url", "https://sqs.example/from-flag"})
	require.NoError(t, err)

	assert.Equal(t, "https://sqs.example/from-flag", cfg.QueueURL)
}

// TestLoadFlagsOverrideOverlayFileEvenAtFlagDefault guards against a
// precedence bug where a field was gated on "does the flag still hold
// its own zero-value default" instead of on flags.Changed: if the
// explicit flag value happened to equal the flag's default, the file
// would silently win anyway. --region defaults to "us-east-1", so
// passing it explicitly must still beat a --config file's region.
func TestLoadFlagsOverrideOverlayFileEvenAtFlagDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue_url = "https://sqs.example/queue"
region = "eu-west-1"
log_level = "debug"
credentials_source = "vault"
`), 0o600))

	cfg, err := Load([]string{
		"--config", path,
		"--region", "us-east-1",
		"--log-level", "info",
		"--credentials-source", "default",
	})
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "default", cfg.CredentialsSource)
}

// TestLoadOverlayFileFillsRegionLogLevelCredentialsSourceWhenUnset
// verifies the file still applies as the lowest-precedence source when
// flags leave these three fields unset.
func TestLoadOverlayFileFillsRegionLogLevelCredentialsSourceWhenUnset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue_url = "https://sqs.example/queue"
region = "eu-west-1"
log_level = "debug"
credentials_source = "vault"
`), 0o600))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "vault", cfg.CredentialsSource)
}

func TestAdminAuthUnsetLeavesStatusOpen(t *testing.T) {
	cfg, err := Load([]string{"--queue-url", "https://sqs.example/queue"})
	require.NoError(t, err)

	auth, err := cfg.AdminAuth()
	require.NoError(t, err)
	assert.Nil(t, auth)
}

func TestAdminAuthRequiresSigningKey(t *testing.T) {
	cfg, err := Load([]string{"--queue-url", "https://sqs.example/queue", "--admin-bootstrap-token", "secret"})
	require.NoError(t, err)

	_, err = cfg.AdminAuth()
	assert.Error(t, err)
}

func TestAdminAuthBuildsTokenAuth(t *testing.T) {
	cfg, err := Load([]string{
		"--queue-url", "https://sqs.example/queue",
		"--admin-bootstrap-token", "secret",
		"--admin-signing-key", "signing-key",
	})
	require.NoError(t, err)

	auth, err := cfg.AdminAuth()
	require.NoError(t, err)
	require.NotNil(t, auth)

	_, err = auth.IssueToken("secret")
	assert.NoError(t, err)
}

func TestCredentialsSourceValue(t *testing.T) {
	cfg, err := Load([]string{"--credentials-source", "vault"})
	require.NoError(t, err)

	src, err := cfg.CredentialsSourceValue()
	require.NoError(t, err)
	assert.Equal(t, "vault", string(src))
}
