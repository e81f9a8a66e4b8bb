package audit

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Pipeline actions recorded on events.
const (
	ActionAuthentication = "authentication"
	ActionAuthorization  = "authorization"
	ActionValidation     = "validation"
	ActionPrioritization = "prioritization"
	ActionRouting        = "routing"
	ActionTTL            = "ttl"
	ActionSize           = "size"
)

// Event is an immutable security audit record.
type Event struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	Severity       Severity               `json:"severity"`
	Message        string                 `json:"message"`
	MessageID      string                 `json:"messageId,omitempty"`
	ConversationID string                 `json:"conversationId,omitempty"`
	AgentFrom      string                 `json:"agentFrom,omitempty"`
	AgentTo        string                 `json:"agentTo,omitempty"`
	Task           string                 `json:"task,omitempty"`
	Action         string                 `json:"action"`
	Result         string                 `json:"result"` // success or failure
	Details        map[string]interface{} `json:"details,omitempty"`
}
