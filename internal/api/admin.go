package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentland/a2a-gateway/internal/config"
	"github.com/agentland/a2a-gateway/internal/core"
)

// requireAdmin checks "Authorization: Bearer <token>" against the bcrypt
// admin hash.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminTokenHash == "" || s.deps.Auth == nil {
			writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.deps.AdminTokenHash), []byte(token)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createKeyRequest struct {
	AgentID       string                 `json:"agentId"`
	AccessLevel   core.AccessLevel       `json:"accessLevel"`
	Roles         []string               `json:"roles"`
	ExpiresInDays int                    `json:"expiresInDays"`
	Metadata      map[string]interface{} `json:"metadata"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	if req.AccessLevel == 0 {
		req.AccessLevel = core.AccessPublic
	}
	key, err := s.deps.Auth.RegisterAPIKey(r.Context(), req.AgentID, req.AccessLevel, req.Roles, req.ExpiresInDays, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agentId": req.AgentID, "apiKey": key})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	revoked, err := s.deps.Auth.RevokeAPIKey(r.Context(), req.APIKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if !revoked {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]bool{"revoked": revoked})
}

type createTokenRequest struct {
	AgentID     string           `json:"agentId"`
	AccessLevel core.AccessLevel `json:"accessLevel"`
	Roles       []string         `json:"roles"`
	ExpiresIn   string           `json:"expiresIn"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	if req.AccessLevel == 0 {
		req.AccessLevel = core.AccessPublic
	}
	var expiresIn time.Duration
	if req.ExpiresIn != "" {
		d, err := config.ParseDuration(req.ExpiresIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expiresIn: "+err.Error())
			return
		}
		expiresIn = d
	}
	token, err := s.deps.Auth.GenerateJWT(req.AgentID, req.AccessLevel, req.Roles, expiresIn)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agentId": req.AgentID, "token": token})
}

func (s *Server) handleDNSRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Auth.GenerateDNSVerificationRecords(mux.Vars(r)["domain"])
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleDNSVerify(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	ok, err := s.deps.Auth.VerifyDomainOwnership(r.Context(), domain)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"domain": domain, "verified": ok})
}

func (s *Server) handleDNSChallenge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Challenges == nil {
		writeError(w, http.StatusServiceUnavailable, "DNS verification not configured")
		return
	}
	c, err := s.deps.Challenges.GenerateSecurityChallenge()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}
