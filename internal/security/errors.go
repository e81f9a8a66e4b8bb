package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentland/a2a-gateway/internal/auth"
)

// Kind classifies why a message was not delivered.
type Kind string

const (
	KindTTLExpired           Kind = "TTLExpired"
	KindSizeExceeded         Kind = "SizeExceeded"
	KindAuthenticationFailed Kind = "AuthenticationFailed"
	KindValidationFailed     Kind = "ValidationFailed"
	KindAuthorizationDenied  Kind = "AuthorizationDenied"
	KindAgentNotFound        Kind = "AgentNotFound"
	KindHandlerError         Kind = "HandlerError"
	KindManagerError         Kind = "ManagerError"
)

// Code maps a kind to the code carried by the error response.
func (k Kind) Code() int {
	switch k {
	case KindTTLExpired, KindSizeExceeded, KindAuthenticationFailed, KindValidationFailed, KindAuthorizationDenied:
		return http.StatusForbidden
	case KindAgentNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RejectionError is returned for every message the pipeline refuses.
type RejectionError struct {
	Kind       Kind
	Reason     string
	AuthReason auth.Reason // set for KindAuthenticationFailed
	Violations []string    // set for KindValidationFailed
}

func (e *RejectionError) Error() string {
	switch {
	case len(e.Violations) > 0:
		return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Violations, "; "))
	case e.Reason != "":
		return e.Reason
	default:
		return string(e.Kind)
	}
}

func (e *RejectionError) Code() int { return e.Kind.Code() }

func reject(kind Kind, reason string) *RejectionError {
	return &RejectionError{Kind: kind, Reason: reason}
}

// AsRejection extracts a RejectionError from err. Anything else is reported
// as a ManagerError.
func AsRejection(err error) *RejectionError {
	var re *RejectionError
	if errors.As(err, &re) {
		return re
	}
	return &RejectionError{Kind: KindManagerError, Reason: err.Error()}
}
