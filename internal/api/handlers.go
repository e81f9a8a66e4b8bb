package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/mission"
	"github.com/agentland/a2a-gateway/internal/router"
)

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 5 * time.Minute
)

// handleSendMessage always answers 200 with a message; failures are error
// responses whose code is in params.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var msg core.Message
	if !s.decode(w, r, &msg) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Router.SendMessage(r.Context(), &msg))
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": id,
		"entries":        s.deps.Router.GetConversation(id),
	})
}

func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	timeout := defaultAwaitTimeout
	if q := r.URL.Query().Get("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		if d > maxAwaitTimeout {
			d = maxAwaitTimeout
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	resp, err := s.deps.Router.Await(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, router.ErrUnknownConversation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "response not ready")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.deps.Router.ListAgents()})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queues == nil {
		writeError(w, http.StatusNotFound, "queues unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Queues.Stats())
}

type missionRequest struct {
	From        string                 `json:"from"`
	Params      map[string]interface{} `json:"params"`
	Credentials *core.Credentials      `json:"credentials"`
}

// handleMission answers with the authorization verdict: 200 when allowed,
// 403 when not.
func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	if s.deps.Missions == nil {
		writeError(w, http.StatusNotFound, "mission authorization unavailable")
		return
	}
	vars := mux.Vars(r)
	op, err := mission.ParseOperation(vars["operation"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req missionRequest
	if !s.decode(w, r, &req) {
		return
	}

	msg := mission.NewMissionRequest(req.From, op, vars["id"], req.Params, req.Credentials)
	res := s.deps.Missions.AuthorizeMissionOperation(r.Context(), msg, op, vars["id"])
	status := http.StatusOK
	if !res.Authorized {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

// handleEvents streams bus events as Server-Sent Events. ?events=a,b
// filters by type.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusNotFound, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	var types []string
	if f := r.URL.Query().Get("events"); f != "" {
		types = strings.Split(f, ",")
	}
	ch := s.deps.Bus.Subscribe(types...)
	defer s.deps.Bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			w.Write(frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
