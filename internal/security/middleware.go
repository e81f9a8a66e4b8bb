// Package security runs every inbound agent message through the gateway's
// checks: TTL, size, authentication, validation, authorization and
// prioritization.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentland/a2a-gateway/internal/audit"
	"github.com/agentland/a2a-gateway/internal/auth"
	"github.com/agentland/a2a-gateway/internal/config"
	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/events"
	"github.com/agentland/a2a-gateway/internal/metrics"
	"github.com/agentland/a2a-gateway/internal/validation"
)

// Recorder accepts audit events. *audit.Log satisfies it.
type Recorder interface {
	Record(e audit.Event)
}

// Deps are the collaborators the pipeline calls into. Auth and Validator are
// required; the rest may be nil.
type Deps struct {
	Auth      *auth.Provider
	Validator *validation.Validator
	Audit     Recorder
	Events    events.Emitter
	Metrics   *metrics.Metrics
}

// Middleware is safe for concurrent use.
type Middleware struct {
	cfg       config.SecurityConfig
	auth      *auth.Provider
	validator *validation.Validator
	audit     Recorder
	events    events.Emitter
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	rules []config.AuthorizationRule

	now func() time.Time
}

func NewMiddleware(cfg config.SecurityConfig, deps Deps) (*Middleware, error) {
	if deps.Auth == nil {
		return nil, fmt.Errorf("security: auth provider is required")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("security: validator is required")
	}
	if cfg.DefaultMessageTTL <= 0 {
		cfg.DefaultMessageTTL = time.Minute
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = validation.DefaultMaxMessageSize
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}

	m := &Middleware{
		cfg:       cfg,
		auth:      deps.Auth,
		validator: deps.Validator,
		audit:     deps.Audit,
		events:    deps.Events,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
	m.validator.RegisterStandardSchemas()

	slog.Info("[Security] middleware initialized",
		"authentication", cfg.EnableAuthentication,
		"authorization", cfg.EnableAuthorization,
		"validation", cfg.EnableValidation,
		"prioritization", cfg.EnablePrioritization,
		"audit", cfg.EnableAuditLog,
	)
	return m, nil
}

// ProcessMessage returns the message as it should be delivered, or a
// *RejectionError. The input is not modified.
func (m *Middleware) ProcessMessage(ctx context.Context, in *core.Message) (*core.Message, error) {
	if in == nil {
		return nil, reject(KindManagerError, "message is required")
	}
	msg := in.Clone()
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.NewString()
	}

	if err := m.checkTTL(msg); err != nil {
		return nil, m.fail(msg, "ttl", audit.ActionTTL, err, nil)
	}
	m.metrics.RecordStage("ttl", "pass")
	m.record(msg, audit.SeverityInfo, "Message within TTL", audit.ActionTTL, "success", nil)

	if err := m.checkSize(msg); err != nil {
		return nil, m.fail(msg, "size", audit.ActionSize, err, nil)
	}
	m.metrics.RecordStage("size", "pass")
	m.record(msg, audit.SeverityInfo, "Message size accepted", audit.ActionSize, "success", nil)

	identity := auth.Identity{AgentID: msg.From, AccessLevel: core.AccessPublic}
	if m.cfg.EnableAuthentication {
		id, err := m.authenticate(ctx, msg)
		if err != nil {
			return nil, m.fail(msg, "authenticate", audit.ActionAuthentication, err, map[string]interface{}{"reason": err.AuthReason})
		}
		identity = id
	}

	if m.cfg.EnableValidation {
		res := m.validator.Validate(msg)
		if !res.Valid {
			err := &RejectionError{Kind: KindValidationFailed, Reason: "Validation failed", Violations: res.Errors}
			return nil, m.fail(msg, "validate", audit.ActionValidation, err, map[string]interface{}{"errors": res.Errors})
		}
		m.metrics.RecordStage("validate", "pass")
		m.record(msg, audit.SeverityInfo, "Message validated", audit.ActionValidation, "success", nil)
	}

	if m.cfg.EnableAuthorization {
		if err := m.Authorize(msg, identity.AccessLevel, identity.Roles); err != nil {
			re := AsRejection(err)
			return nil, m.fail(msg, "authorize", audit.ActionAuthorization, re, map[string]interface{}{
				"agentAccessLevel": identity.AccessLevel.String(),
				"agentRoles":       identity.Roles,
			})
		}
		m.metrics.RecordStage("authorize", "pass")
	}

	if m.cfg.EnablePrioritization {
		m.prioritize(msg)
		m.metrics.RecordStage("prioritize", "pass")
	}

	m.record(msg, audit.SeverityInfo, "Message processed successfully", audit.ActionRouting, "success", nil)
	return msg, nil
}

func (m *Middleware) checkTTL(msg *core.Message) *RejectionError {
	now := m.now().UnixMilli()
	if msg.Timestamp == 0 {
		msg.Timestamp = now
		return nil
	}
	ttl := msg.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultMessageTTL.Milliseconds()
	}
	if age := now - msg.Timestamp; age > ttl {
		return reject(KindTTLExpired, fmt.Sprintf("Message expired (TTL exceeded): age %dms, ttl %dms", age, ttl))
	}
	return nil
}

func (m *Middleware) checkSize(msg *core.Message) *RejectionError {
	size, err := msg.Size()
	if err != nil {
		return &RejectionError{Kind: KindValidationFailed, Reason: "Message is not serializable", Violations: []string{err.Error()}}
	}
	if size > m.cfg.MaxMessageSize {
		return reject(KindSizeExceeded, fmt.Sprintf("Message exceeds maximum size limit (%d > %d bytes)", size, m.cfg.MaxMessageSize))
	}
	return nil
}

// authenticate resolves the caller and rewrites From when the credential
// speaks for a different agent.
func (m *Middleware) authenticate(ctx context.Context, msg *core.Message) (auth.Identity, *RejectionError) {
	res := m.auth.Authenticate(ctx, msg)
	if !res.Authenticated {
		return auth.Identity{}, &RejectionError{
			Kind:       KindAuthenticationFailed,
			Reason:     "Authentication failed: " + res.Error,
			AuthReason: res.Reason,
		}
	}

	if res.AgentID != "" && res.AgentID != msg.From {
		slog.Warn("[Security] message sender mismatch", "from", msg.From, "authenticated", res.AgentID)
		msg.From = res.AgentID
	}
	m.metrics.RecordStage("authenticate", "pass")
	m.record(msg, audit.SeverityInfo, "Successfully authenticated agent: "+res.AgentID, audit.ActionAuthentication, "success",
		map[string]interface{}{"credentialType": string(msg.Credentials.Type)})

	return auth.Identity{AgentID: res.AgentID, AccessLevel: res.AccessLevel, Roles: res.Roles, Metadata: res.Metadata}, nil
}

// Authorize applies the first rule registered for msg.Task. Tasks without a
// rule are allowed.
func (m *Middleware) Authorize(msg *core.Message, level core.AccessLevel, roles []string) error {
	rule, ok := m.ruleFor(msg.Task)
	if !ok {
		return nil
	}
	if !level.AtLeast(rule.RequiredAccessLevel) {
		return reject(KindAuthorizationDenied,
			fmt.Sprintf("Insufficient access level: %s, required: %s", level, rule.RequiredAccessLevel))
	}
	if len(rule.RequiredRoles) > 0 && !anyRole(roles, rule.RequiredRoles) {
		return reject(KindAuthorizationDenied,
			fmt.Sprintf("Missing required role. Available roles: %s, required: %s",
				strings.Join(roles, ", "), strings.Join(rule.RequiredRoles, ", ")))
	}
	m.record(msg, audit.SeverityInfo, "Message authorized", audit.ActionAuthorization, "success", nil)
	return nil
}

func (m *Middleware) ruleFor(task string) (config.AuthorizationRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.Task == task {
			return r, true
		}
	}
	return config.AuthorizationRule{}, false
}

func anyRole(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (m *Middleware) prioritize(msg *core.Message) {
	if msg.Priority != 0 {
		return
	}
	msg.Priority = PriorityForTask(msg.Task)
	m.record(msg, audit.SeverityInfo, "Message prioritized: "+msg.Priority.String(), audit.ActionPrioritization, "success",
		map[string]interface{}{"priority": int(msg.Priority)})
}

// PriorityForTask picks a priority from the task name.
func PriorityForTask(task string) core.Priority {
	switch {
	case strings.Contains(task, "emergency"), strings.Contains(task, "critical"):
		return core.PriorityCritical
	case strings.Contains(task, "high"), strings.HasPrefix(task, "system."):
		return core.PriorityHigh
	case strings.Contains(task, "background"), strings.Contains(task, "report"):
		return core.PriorityBackground
	default:
		return core.PriorityNormal
	}
}

func (m *Middleware) fail(msg *core.Message, stage, action string, err *RejectionError, details map[string]interface{}) error {
	m.metrics.RecordStage(stage, "reject")
	m.metrics.RecordRejection(string(err.Kind))
	if details == nil {
		details = map[string]interface{}{}
	}
	details["kind"] = string(err.Kind)
	m.record(msg, audit.SeverityWarning, err.Error(), action, "failure", details)
	m.events.Emit(events.TypeMessageRejected, "/security", msg.ConversationID, map[string]interface{}{
		"from":   msg.From,
		"to":     msg.To,
		"task":   msg.Task,
		"kind":   string(err.Kind),
		"reason": err.Error(),
	})
	return err
}

func (m *Middleware) record(msg *core.Message, sev audit.Severity, text, action, result string, details map[string]interface{}) {
	if !m.cfg.EnableAuditLog || m.audit == nil {
		return
	}
	m.audit.Record(audit.Event{
		Timestamp:      m.now(),
		Severity:       sev,
		Message:        text,
		MessageID:      uuid.NewString(),
		ConversationID: msg.ConversationID,
		AgentFrom:      msg.From,
		AgentTo:        msg.To,
		Task:           msg.Task,
		Action:         action,
		Result:         result,
		Details:        details,
	})
}

// =============================================================================
// CONFIGURATION FACADES
// =============================================================================

// RegisterAgentAPIKey registers key for agentID, or mints one when key is
// empty, and returns the key the agent should present.
func (m *Middleware) RegisterAgentAPIKey(ctx context.Context, agentID, key string, level core.AccessLevel, roles []string, expiresInDays int) (string, error) {
	if key != "" {
		if err := m.auth.ImportAPIKey(ctx, key, agentID, level, roles, expiresInDays, nil); err != nil {
			return "", err
		}
		slog.Info("[Security] registered provided API key", "agent_id", agentID, "access_level", level.String())
		return key, nil
	}
	key, err := m.auth.RegisterAPIKey(ctx, agentID, level, roles, expiresInDays, nil)
	if err != nil {
		return "", err
	}
	slog.Info("[Security] generated API key", "agent_id", agentID, "access_level", level.String())
	return key, nil
}

// AddValidationRules appends field rules to task's schema.
func (m *Middleware) AddValidationRules(task string, fields ...validation.Field) {
	m.validator.AddTaskRules(task, fields...)
	slog.Info("[Security] added validation rules", "task", task, "count", len(fields))
}

func (m *Middleware) AddAuthorizationRule(rule config.AuthorizationRule) {
	m.mu.Lock()
	m.rules = append(m.rules, rule)
	m.mu.Unlock()
	slog.Info("[Security] added authorization rule", "task", rule.Task,
		"required_access_level", rule.RequiredAccessLevel.String(), "required_roles", rule.RequiredRoles)
}

// SetAuthorizationRules replaces the rule set, as on a policy reload.
func (m *Middleware) SetAuthorizationRules(rules []config.AuthorizationRule) {
	m.mu.Lock()
	m.rules = append([]config.AuthorizationRule(nil), rules...)
	m.mu.Unlock()
}

func (m *Middleware) AuthorizationRules() []config.AuthorizationRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]config.AuthorizationRule(nil), m.rules...)
}

func (m *Middleware) GenerateJWTToken(agentID string, level core.AccessLevel, roles []string, expiresIn time.Duration) (string, error) {
	return m.auth.GenerateJWT(agentID, level, roles, expiresIn)
}

func (m *Middleware) CreateCredentials(ctx context.Context, agentID string, typ core.CredentialType, value string) (*core.Credentials, error) {
	return m.auth.CreateCredentials(ctx, agentID, typ, value)
}
