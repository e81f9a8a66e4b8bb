package security

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentland/a2a-gateway/internal/audit"
	"github.com/agentland/a2a-gateway/internal/auth"
	"github.com/agentland/a2a-gateway/internal/config"
	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/events"
	"github.com/agentland/a2a-gateway/internal/metrics"
	"github.com/agentland/a2a-gateway/internal/validation"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *memAudit) Record(e audit.Event) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *memAudit) byAction(action string) []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Event
	for _, e := range a.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	mw    *Middleware
	auth  *auth.Provider
	audit *memAudit
	bus   *events.Bus
}

func allEnabled() config.SecurityConfig {
	return config.SecurityConfig{
		EnableAuthentication: true,
		EnableAuthorization:  true,
		EnableValidation:     true,
		EnablePrioritization: true,
		EnableAuditLog:       true,
	}
}

func newFixture(t *testing.T, cfg config.SecurityConfig) *fixture {
	t.Helper()
	p, err := auth.NewProvider(auth.Config{
		Store: auth.NewFileKeyStore(filepath.Join(t.TempDir(), "api-keys.json")),
		JWT:   &auth.JWTConfig{Secret: []byte(testSecret), Issuer: "a2a-manager", Audience: "a2a-agents", ExpiresIn: time.Hour},
	})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(p.Close)

	rec := &memAudit{}
	bus := events.NewBus(50)
	mw, err := NewMiddleware(cfg, Deps{
		Auth:      p,
		Validator: validation.NewValidator(0),
		Audit:     rec,
		Events:    bus,
		Metrics:   metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return &fixture{mw: mw, auth: p, audit: rec, bus: bus}
}

func (f *fixture) key(t *testing.T, agentID string, level core.AccessLevel, roles ...string) *core.Credentials {
	t.Helper()
	key, err := f.mw.RegisterAgentAPIKey(context.Background(), agentID, "", level, roles, 0)
	require.NoError(t, err)
	return &core.Credentials{Type: core.CredentialAPIKey, Value: key}
}

func message(creds *core.Credentials) *core.Message {
	return &core.Message{
		To:          "worker",
		From:        "caller",
		Task:        "compute.sum",
		Params:      map[string]interface{}{"values": []interface{}{1, 2}},
		Credentials: creds,
	}
}

func rejection(t *testing.T, err error) *RejectionError {
	t.Helper()
	require.Error(t, err)
	var re *RejectionError
	require.True(t, errors.As(err, &re), "unexpected error %v", err)
	return re
}

func TestProcessMessageAcceptsAndStamps(t *testing.T) {
	f := newFixture(t, allEnabled())
	in := message(f.key(t, "caller", core.AccessProtected))

	out, err := f.mw.ProcessMessage(context.Background(), in)
	require.NoError(t, err)

	assert.NotEmpty(t, out.ConversationID)
	assert.NotZero(t, out.Timestamp)
	assert.Equal(t, core.PriorityNormal, out.Priority)
	assert.Empty(t, in.ConversationID, "input must not be modified")
	assert.Len(t, f.audit.byAction(audit.ActionRouting), 1)
	assert.Len(t, f.audit.byAction(audit.ActionAuthentication), 1)
}

func TestProcessMessageKeepsConversationAndPriority(t *testing.T) {
	f := newFixture(t, allEnabled())
	in := message(f.key(t, "caller", core.AccessPublic))
	in.ConversationID = "conv-7"
	in.Priority = core.PriorityLow

	out, err := f.mw.ProcessMessage(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "conv-7", out.ConversationID)
	assert.Equal(t, core.PriorityLow, out.Priority)
	assert.Empty(t, f.audit.byAction(audit.ActionPrioritization))
}

func TestTTLExpired(t *testing.T) {
	f := newFixture(t, allEnabled())
	in := message(f.key(t, "caller", core.AccessPublic))
	in.Timestamp = time.Now().Add(-2 * time.Minute).UnixMilli()

	_, err := f.mw.ProcessMessage(context.Background(), in)
	re := rejection(t, err)
	assert.Equal(t, KindTTLExpired, re.Kind)
	assert.Equal(t, 403, re.Code())

	// an explicit ttl overrides the default
	in.TTL = (5 * time.Minute).Milliseconds()
	_, err = f.mw.ProcessMessage(context.Background(), in)
	require.NoError(t, err)
}

func TestOversizedMessageRejectedBeforeAuthentication(t *testing.T) {
	f := newFixture(t, allEnabled())
	in := message(&core.Credentials{Type: core.CredentialAPIKey, Value: "a2a_bogus"})
	in.Params["blob"] = strings.Repeat("x", validation.DefaultMaxMessageSize)

	_, err := f.mw.ProcessMessage(context.Background(), in)
	re := rejection(t, err)
	assert.Equal(t, KindSizeExceeded, re.Kind)
	assert.Empty(t, f.audit.byAction(audit.ActionAuthentication))
}

func TestTTLAndSizeStagesAudited(t *testing.T) {
	f := newFixture(t, allEnabled())
	_, err := f.mw.ProcessMessage(context.Background(), message(f.key(t, "caller", core.AccessPublic)))
	require.NoError(t, err)

	for _, action := range []string{audit.ActionTTL, audit.ActionSize} {
		events := f.audit.byAction(action)
		require.Len(t, events, 1, action)
		assert.Equal(t, "success", events[0].Result)
		assert.Equal(t, audit.SeverityInfo, events[0].Severity)
		assert.Equal(t, "caller", events[0].AgentFrom)
	}

	in := message(f.key(t, "caller", core.AccessPublic))
	in.Params["blob"] = strings.Repeat("x", validation.DefaultMaxMessageSize)
	_, err = f.mw.ProcessMessage(context.Background(), in)
	require.Error(t, err)
	assert.Len(t, f.audit.byAction(audit.ActionTTL), 2, "ttl passed before the size check failed")
	size := f.audit.byAction(audit.ActionSize)
	require.Len(t, size, 2)
	assert.Equal(t, "failure", size[1].Result)
}

func TestAuthenticationFailureReasons(t *testing.T) {
	f := newFixture(t, allEnabled())
	ctx := context.Background()

	_, err := f.mw.ProcessMessage(ctx, message(nil))
	re := rejection(t, err)
	assert.Equal(t, KindAuthenticationFailed, re.Kind)
	assert.Equal(t, auth.ReasonNoCredentials, re.AuthReason)

	_, err = f.mw.ProcessMessage(ctx, message(&core.Credentials{Type: core.CredentialAPIKey, Value: "a2a_nope"}))
	assert.Equal(t, auth.ReasonInvalidKey, rejection(t, err).AuthReason)

	_, err = f.mw.ProcessMessage(ctx, message(&core.Credentials{Type: core.CredentialMutualTLS, Value: "cert"}))
	assert.Equal(t, auth.ReasonUnimplemented, rejection(t, err).AuthReason)

	creds := f.key(t, "caller", core.AccessPublic)
	ok, err := f.auth.RevokeAPIKey(ctx, creds.Value)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.mw.ProcessMessage(ctx, message(creds))
	assert.Equal(t, auth.ReasonRevoked, rejection(t, err).AuthReason)

	failures := 0
	for _, e := range f.audit.byAction(audit.ActionAuthentication) {
		if e.Result == "failure" {
			failures++
		}
	}
	assert.Equal(t, 4, failures)
}

func TestAuthenticatedIdentityOverridesSender(t *testing.T) {
	f := newFixture(t, allEnabled())
	in := message(f.key(t, "real-agent", core.AccessPublic))
	in.From = "impostor"

	out, err := f.mw.ProcessMessage(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "real-agent", out.From)
}

func TestJWTCredentials(t *testing.T) {
	f := newFixture(t, allEnabled())
	tok, err := f.mw.GenerateJWTToken("jwt-agent", core.AccessPrivate, []string{"ops"}, time.Minute)
	require.NoError(t, err)

	out, err := f.mw.ProcessMessage(context.Background(), message(&core.Credentials{Type: core.CredentialJWT, Value: tok}))
	require.NoError(t, err)
	assert.Equal(t, "jwt-agent", out.From)
}

func TestValidationReportsEveryViolation(t *testing.T) {
	f := newFixture(t, allEnabled())
	in := message(f.key(t, "caller", core.AccessPublic))
	in.To = ""
	in.Task = "rm -rf; echo"

	_, err := f.mw.ProcessMessage(context.Background(), in)
	re := rejection(t, err)
	assert.Equal(t, KindValidationFailed, re.Kind)
	assert.GreaterOrEqual(t, len(re.Violations), 2)
}

func TestStandardSchemasRegistered(t *testing.T) {
	f := newFixture(t, allEnabled())
	in := message(f.key(t, "caller", core.AccessPublic))
	in.Task = "file.write"
	in.Params = map[string]interface{}{"path": "/tmp/a", "operation": "write"}

	_, err := f.mw.ProcessMessage(context.Background(), in)
	re := rejection(t, err)
	assert.Equal(t, KindValidationFailed, re.Kind)

	in.Params["content"] = "hello"
	_, err = f.mw.ProcessMessage(context.Background(), in)
	require.NoError(t, err)
}

func TestCustomValidationRules(t *testing.T) {
	f := newFixture(t, allEnabled())
	f.mw.AddValidationRules("compute.sum", validation.Field{
		Path:  "params.values",
		Rules: []validation.Rule{validation.Required(""), validation.Array("")},
	})
	in := message(f.key(t, "caller", core.AccessPublic))
	in.Params = map[string]interface{}{"values": "not-a-list"}

	_, err := f.mw.ProcessMessage(context.Background(), in)
	assert.Equal(t, KindValidationFailed, rejection(t, err).Kind)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, allEnabled())
	f.mw.AddAuthorizationRule(config.AuthorizationRule{Task: "compute.sum", RequiredAccessLevel: core.AccessPrivate})
	f.mw.AddAuthorizationRule(config.AuthorizationRule{Task: "deploy.release", RequiredAccessLevel: core.AccessProtected, RequiredRoles: []string{"release", "admin"}})
	ctx := context.Background()

	_, err := f.mw.ProcessMessage(ctx, message(f.key(t, "low", core.AccessProtected)))
	re := rejection(t, err)
	assert.Equal(t, KindAuthorizationDenied, re.Kind)
	assert.Contains(t, re.Reason, "Insufficient access level: protected, required: private")

	_, err = f.mw.ProcessMessage(ctx, message(f.key(t, "high", core.AccessRestricted)))
	require.NoError(t, err)

	deploy := message(f.key(t, "dev", core.AccessRestricted, "dev"))
	deploy.Task = "deploy.release"
	_, err = f.mw.ProcessMessage(ctx, deploy)
	assert.Equal(t, KindAuthorizationDenied, rejection(t, err).Kind)

	deploy = message(f.key(t, "rel", core.AccessProtected, "dev", "release"))
	deploy.Task = "deploy.release"
	_, err = f.mw.ProcessMessage(ctx, deploy)
	require.NoError(t, err)
}

func TestFirstMatchingRuleWins(t *testing.T) {
	f := newFixture(t, allEnabled())
	f.mw.AddAuthorizationRule(config.AuthorizationRule{Task: "compute.sum", RequiredAccessLevel: core.AccessPublic})
	f.mw.AddAuthorizationRule(config.AuthorizationRule{Task: "compute.sum", RequiredAccessLevel: core.AccessRestricted})

	_, err := f.mw.ProcessMessage(context.Background(), message(f.key(t, "caller", core.AccessPublic)))
	require.NoError(t, err)
}

func TestDisabledStages(t *testing.T) {
	f := newFixture(t, config.SecurityConfig{})
	f.mw.AddAuthorizationRule(config.AuthorizationRule{Task: "compute.sum", RequiredAccessLevel: core.AccessRestricted})
	in := message(nil)
	in.Task = "system.high"

	out, err := f.mw.ProcessMessage(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "caller", out.From)
	assert.Equal(t, core.Priority(0), out.Priority)
	assert.Empty(t, f.audit.events)
}

func TestAuthorizationDeniedWhenAuthenticationDisabled(t *testing.T) {
	cfg := allEnabled()
	cfg.EnableAuthentication = false
	f := newFixture(t, cfg)
	f.mw.AddAuthorizationRule(config.AuthorizationRule{Task: "compute.sum", RequiredAccessLevel: core.AccessProtected})

	_, err := f.mw.ProcessMessage(context.Background(), message(nil))
	assert.Equal(t, KindAuthorizationDenied, rejection(t, err).Kind)
}

func TestPriorityForTask(t *testing.T) {
	cases := map[string]core.Priority{
		"alert.emergency":    core.PriorityCritical,
		"db.critical.fix":    core.PriorityCritical,
		"queue.high":         core.PriorityHigh,
		"system.restart":     core.PriorityHigh,
		"index.background":   core.PriorityBackground,
		"weekly.report":      core.PriorityBackground,
		"compute.sum":        core.PriorityNormal,
		"subsystem.shutdown": core.PriorityNormal,
	}
	for task, want := range cases {
		assert.Equal(t, want, PriorityForTask(task), task)
	}
}

func TestRejectionEmitsEvent(t *testing.T) {
	f := newFixture(t, allEnabled())
	ch := f.bus.Subscribe(events.TypeMessageRejected)

	_, err := f.mw.ProcessMessage(context.Background(), message(nil))
	require.Error(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, string(KindAuthenticationFailed), ev.Data["kind"])
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}
}

func TestStructurallyIdenticalMessagesGetEquivalentVerdicts(t *testing.T) {
	f := newFixture(t, allEnabled())
	f.mw.AddAuthorizationRule(config.AuthorizationRule{Task: "data.export", RequiredAccessLevel: core.AccessPrivate})
	ctx := context.Background()

	allowed := f.key(t, "analyst", core.AccessPrivate)
	denied := f.key(t, "intern", core.AccessPublic)

	build := func(c *core.Credentials) *core.Message {
		m := message(c)
		m.Task = "data.export"
		return m
	}

	a1, err1 := f.mw.ProcessMessage(ctx, build(allowed))
	time.Sleep(2 * time.Millisecond)
	a2, err2 := f.mw.ProcessMessage(ctx, build(allowed))
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, a1.Priority, a2.Priority)
	assert.NotEqual(t, a1.ConversationID, a2.ConversationID)

	_, err1 = f.mw.ProcessMessage(ctx, build(denied))
	_, err2 = f.mw.ProcessMessage(ctx, build(denied))
	assert.Equal(t, rejection(t, err1).Kind, rejection(t, err2).Kind)
	assert.Equal(t, rejection(t, err1).Reason, rejection(t, err2).Reason)
}

func TestCreateCredentials(t *testing.T) {
	f := newFixture(t, allEnabled())
	creds, err := f.mw.CreateCredentials(context.Background(), "minted", core.CredentialAPIKey, "")
	require.NoError(t, err)

	out, err := f.mw.ProcessMessage(context.Background(), message(creds))
	require.NoError(t, err)
	assert.Equal(t, "minted", out.From)
}

func TestRejectionCodes(t *testing.T) {
	assert.Equal(t, 403, KindValidationFailed.Code())
	assert.Equal(t, 404, KindAgentNotFound.Code())
	assert.Equal(t, 500, KindHandlerError.Code())
	assert.Equal(t, KindManagerError, AsRejection(errors.New("boom")).Kind)
}
