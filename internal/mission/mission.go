// Package mission authorizes operations on missions by the caller's access
// level. It is separate from per-task authorization in the security
// pipeline and can be combined with it.
package mission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentland/a2a-gateway/internal/audit"
	"github.com/agentland/a2a-gateway/internal/auth"
	"github.com/agentland/a2a-gateway/internal/core"
)

// ServiceAgentID is the agent mission requests are addressed to.
const ServiceAgentID = "mission-service"

type Operation string

const (
	OpView     Operation = "view"
	OpStart    Operation = "start"
	OpUpdate   Operation = "update"
	OpComplete Operation = "complete"
	OpCreate   Operation = "create"
	OpDelete   Operation = "delete"
	OpManage   Operation = "manage"
)

var requiredLevel = map[Operation]core.AccessLevel{
	OpView:     core.AccessPublic,
	OpStart:    core.AccessPublic,
	OpUpdate:   core.AccessProtected,
	OpComplete: core.AccessProtected,
	OpCreate:   core.AccessPrivate,
	OpDelete:   core.AccessRestricted,
	OpManage:   core.AccessRestricted,
}

// RequiredLevel returns the access level op demands.
func RequiredLevel(op Operation) (core.AccessLevel, bool) {
	l, ok := requiredLevel[op]
	return l, ok
}

// ParseOperation accepts an operation name in any case.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := requiredLevel[op]; !ok {
		return "", fmt.Errorf("unknown mission operation %q", s)
	}
	return op, nil
}

// Authenticator resolves a message's credentials. *auth.Provider
// satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, msg *core.Message) auth.Result
}

type Recorder interface {
	Record(e audit.Event)
}

// Result is the verdict for one operation. AgentID is set whenever the
// caller authenticated, even if the operation was denied.
type Result struct {
	Authorized  bool             `json:"authorized"`
	Operation   Operation        `json:"operation"`
	MissionID   string           `json:"missionId"`
	AgentID     string           `json:"agentId,omitempty"`
	AccessLevel core.AccessLevel `json:"accessLevel,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type Authorizer struct {
	auth  Authenticator
	audit Recorder
}

// NewAuthorizer builds an Authorizer. rec may be nil.
func NewAuthorizer(a Authenticator, rec Recorder) *Authorizer {
	slog.Info("[MissionAuth] mission authorization initialized")
	return &Authorizer{auth: a, audit: rec}
}

// AuthorizeMissionOperation authenticates msg and checks the caller's access
// level against op.
func (z *Authorizer) AuthorizeMissionOperation(ctx context.Context, msg *core.Message, op Operation, missionID string) Result {
	res := Result{Operation: op, MissionID: missionID}

	required, ok := requiredLevel[op]
	if !ok {
		res.Error = fmt.Sprintf("Authorization error: unknown mission operation %q", op)
		return res
	}

	ar := z.auth.Authenticate(ctx, msg)
	if !ar.Authenticated {
		res.Error = "Authentication failed: " + ar.Error
		z.record(msg, res, audit.ActionAuthentication)
		return res
	}
	res.AgentID = ar.AgentID
	res.AccessLevel = ar.AccessLevel

	if !ar.AccessLevel.AtLeast(required) {
		res.Error = fmt.Sprintf("Insufficient access level: %s (required: %s)", ar.AccessLevel, required)
		slog.Warn("[MissionAuth] mission operation denied",
			"agent", ar.AgentID, "operation", op, "mission_id", missionID,
			"required_access", required.String(), "actual_access", ar.AccessLevel.String())
		z.record(msg, res, audit.ActionAuthorization)
		return res
	}

	res.Authorized = true
	slog.Info("[MissionAuth] mission operation authorized", "agent", ar.AgentID, "operation", op, "mission_id", missionID)
	z.record(msg, res, audit.ActionAuthorization)
	return res
}

func (z *Authorizer) record(msg *core.Message, res Result, action string) {
	if z.audit == nil {
		return
	}
	e := audit.Event{
		Severity:       audit.SeverityInfo,
		Message:        fmt.Sprintf("Mission %s on %s authorized", res.Operation, res.MissionID),
		ConversationID: msg.ConversationID,
		AgentFrom:      msg.From,
		AgentTo:        msg.To,
		Task:           msg.Task,
		Action:         action,
		Result:         "success",
		Details:        map[string]interface{}{"operation": string(res.Operation), "missionId": res.MissionID},
	}
	if !res.Authorized {
		e.Severity = audit.SeverityWarning
		e.Message = res.Error
		e.Result = "failure"
	}
	z.audit.Record(e)
}

// NewMissionRequest builds the message an agent sends to the mission
// service to perform op on missionID.
func NewMissionRequest(from string, op Operation, missionID string, params map[string]interface{}, creds *core.Credentials) *core.Message {
	p := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	p["missionId"] = missionID
	return &core.Message{
		To:          ServiceAgentID,
		From:        from,
		Task:        "mission:" + string(op),
		Params:      p,
		Credentials: creds,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// Handle serves messages addressed to ServiceAgentID, so the authorizer can
// be registered with the router as the mission service. The reply carries
// the verdict in its params.
func (z *Authorizer) Handle(ctx context.Context, msg *core.Message) (*core.Message, error) {
	opName, ok := strings.CutPrefix(msg.Task, "mission:")
	if !ok {
		return nil, fmt.Errorf("mission service: unsupported task %q", msg.Task)
	}
	missionID, _ := msg.Params["missionId"].(string)

	var res Result
	if op, err := ParseOperation(opName); err != nil {
		res = Result{Operation: Operation(opName), MissionID: missionID, Error: "Authorization error: " + err.Error()}
	} else {
		res = z.AuthorizeMissionOperation(ctx, msg, op, missionID)
	}

	params := map[string]interface{}{
		"authorized": res.Authorized,
		"operation":  string(res.Operation),
		"missionId":  res.MissionID,
	}
	if res.AgentID != "" {
		params["agentId"] = res.AgentID
		params["accessLevel"] = res.AccessLevel.String()
	}
	if res.Error != "" {
		params["error"] = res.Error
	}
	return &core.Message{
		To:             msg.From,
		From:           ServiceAgentID,
		Task:           msg.Task + ".result",
		Params:         params,
		ConversationID: msg.ConversationID,
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}
