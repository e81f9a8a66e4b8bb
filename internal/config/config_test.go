package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentland/a2a-gateway/internal/core"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Security.DefaultMessageTTL)
	assert.Equal(t, 1024*1024, cfg.Security.MaxMessageSize)
	assert.Equal(t, 1000, cfg.Priority.MaxQueueSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Router.DrainInterval)
	assert.True(t, cfg.Security.EnableAuthentication)
}

func TestLoadConfig_FileOverridesOnlyGivenFields(t *testing.T) {
	path := writeFile(t, "config.yaml", `
security:
  enable_validation: false
  default_message_ttl: 30s
priority:
  max_queue_size: 5
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Security.EnableValidation)
	assert.True(t, cfg.Security.EnableAuthorization, "untouched toggles keep their default")
	assert.Equal(t, 30*time.Second, cfg.Security.DefaultMessageTTL)
	assert.Equal(t, 5, cfg.Priority.MaxQueueSize)
	assert.Equal(t, 2, cfg.Priority.DefaultCriticalQuota)
}

func TestApplyEnv_AndValidate(t *testing.T) {
	t.Setenv("A2A_JWT_SECRET", "")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.ErrorIs(t, cfg.Validate(), ErrMissingJWTSecret)

	t.Setenv("A2A_JWT_SECRET", "too-short")
	require.NoError(t, cfg.ApplyEnv())
	assert.Error(t, cfg.Validate())

	t.Setenv("A2A_JWT_SECRET", strings.Repeat("s", MinJWTSecretBytes))
	t.Setenv("A2A_JWT_ISSUER", "issuer-x")
	t.Setenv("A2A_JWT_EXPIRES_IN", "7d")
	t.Setenv("A2A_DNS_AUTH_TOKEN", "tok")
	require.NoError(t, cfg.ApplyEnv())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "issuer-x", cfg.Auth.JWTIssuer)
	assert.Equal(t, "a2a-agents", cfg.Auth.JWTAudience)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.JWTExpiresIn)
	assert.True(t, cfg.DNS.Enabled)
	assert.Empty(t, cfg.Server.AllowedOrigins)

	t.Setenv("A2A_ALLOWED_ORIGINS", "https://console.example.org, ,https://ops.example.org")
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, []string{"https://console.example.org", "https://ops.example.org"}, cfg.Server.AllowedOrigins)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	d, err = ParseDuration("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = ParseDuration("xd")
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Empty(t, p.Rules)

	path := writeFile(t, "policy.yaml", `
authorization_rules:
  - task: file.delete
    required_access_level: private
    required_roles: [admin, files]
  - task: data.query
agent_quotas:
  - agent_id: batch.importer
    high: 50
    critical: 0
`)
	p, err = LoadPolicy(path)
	require.NoError(t, err)
	require.Len(t, p.Rules, 2)
	assert.Equal(t, core.AccessPrivate, p.Rules[0].RequiredAccessLevel)
	assert.Equal(t, []string{"admin", "files"}, p.Rules[0].RequiredRoles)
	assert.Equal(t, core.AccessPublic, p.Rules[1].RequiredAccessLevel)
	require.Len(t, p.Quotas, 1)
	assert.Equal(t, 50, p.Quotas[0].High)

	bad := writeFile(t, "bad.yaml", "authorization_rules:\n  - required_access_level: superuser\n")
	_, err = LoadPolicy(bad)
	assert.Error(t, err)
}

func TestPolicyManager_ReloadKeepsOldOnError(t *testing.T) {
	path := writeFile(t, "policy.yaml", "authorization_rules:\n  - task: a\n")
	m, err := NewPolicyManager(path)
	require.NoError(t, err)
	assert.Len(t, m.Get().Rules, 1)

	require.NoError(t, os.WriteFile(path, []byte("authorization_rules: [ {task: "), 0o644))
	_, err = m.Reload()
	assert.Error(t, err)
	assert.Len(t, m.Get().Rules, 1)
}
