package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskError is the task name of every synthesized error response.
const TaskError = "error"

// Message is the unit of agent-to-agent communication.
//
// Timestamp and TTL are in milliseconds since the Unix epoch and milliseconds
// respectively; zero means "absent".
type Message struct {
	To             string                 `json:"to"`
	From           string                 `json:"from"`
	Task           string                 `json:"task"`
	Params         map[string]interface{} `json:"params"`
	ConversationID string                 `json:"conversationId,omitempty"`
	Priority       Priority               `json:"priority,omitempty"`
	Credentials    *Credentials           `json:"credentials,omitempty"`
	Signature      string                 `json:"signature,omitempty"`
	Timestamp      int64                  `json:"timestamp,omitempty"`
	TTL            int64                  `json:"ttl,omitempty"`
}

// Clone returns a copy that can be mutated without touching m. Params is
// copied one level deep.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Params != nil {
		out.Params = make(map[string]interface{}, len(m.Params))
		for k, v := range m.Params {
			out.Params[k] = v
		}
	}
	if m.Credentials != nil {
		creds := *m.Credentials
		out.Credentials = &creds
	}
	return &out
}

// Size returns the length of the serialized message in bytes.
func (m *Message) Size() (int, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("serialize message: %w", err)
	}
	return len(data), nil
}

// IsError reports whether m is a synthesized error response.
func (m *Message) IsError() bool {
	return m != nil && m.Task == TaskError
}

// ErrorCode extracts the numeric code of an error response, or 0.
func (m *Message) ErrorCode() int {
	if !m.IsError() {
		return 0
	}
	switch code := m.Params["code"].(type) {
	case int:
		return code
	case float64:
		return int(code)
	}
	return 0
}

// NewErrorResponse builds the error message sent back to the sender of orig.
func NewErrorResponse(orig *Message, from, errMsg string, code int) *Message {
	resp := &Message{
		From: from,
		Task: TaskError,
		Params: map[string]interface{}{
			"status": "error",
			"error":  errMsg,
			"code":   code,
		},
		Timestamp: time.Now().UnixMilli(),
	}
	if orig != nil {
		resp.To = orig.From
		resp.ConversationID = orig.ConversationID
	}
	return resp
}
