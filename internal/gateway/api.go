// ABOUTME: JSON API handlers: submit input, stop, terminate, thread listing and selection
// ABOUTME: Maps runtime and session errors onto HTTP status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/biznet-io/coday/internal/agent"
	"github.com/biznet-io/coday/internal/auth"
	"github.com/biznet-io/coday/internal/conversation"
	"github.com/biznet-io/coday/internal/dedupe"
	"github.com/biznet-io/coday/internal/session"
	"github.com/biznet-io/coday/internal/store"
	"github.com/biznet-io/coday/internal/thread"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// Submission errors.
var (
	ErrRateLimited     = errors.New("too many messages, slow down")
	ErrSessionNotFound = errors.New("session not found")
)

// threadRuntime is implemented by runtimes that expose conversation threads.
type threadRuntime interface {
	Conversation() *conversation.Service
	SelectThread(ctx context.Context, id string) (*thread.Thread, error)
}

// MessageRequest is the body of POST /api/message.
type MessageRequest struct {
	ClientID       string `json:"clientId"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ClientRequest is the body of POST /api/stop.
type ClientRequest struct {
	ClientID string `json:"clientId"`
}

// SelectThreadRequest is the body of POST /api/threads/select.
type SelectThreadRequest struct {
	ClientID string `json:"clientId"`
	ThreadID string `json:"threadId"`
}

// ThreadListResponse is returned by GET /api/threads.
type ThreadListResponse struct {
	Active  string           `json:"active,omitempty"`
	Threads []thread.Summary `json:"threads"`
}

// UsageResponse is returned by GET /api/usage.
type UsageResponse struct {
	Username         string  `json:"username"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens"`
	CacheWriteTokens int64   `json:"cacheWriteTokens"`
	Cost             float64 `json:"cost"`
	Requests         int64   `json:"requests"`
}

// handleMessage starts a run with the submitted content.
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	sess, ok := g.lookupSession(w, r, req.ClientID)
	if !ok {
		return
	}

	status, err := g.submit(sess, req.Content, req.IdempotencyKey)
	if err != nil {
		if status == http.StatusInternalServerError {
			g.logger.Error("failed to start run", "client_id", req.ClientID, "error", err)
		}
		g.sendJSONError(w, status, err.Error())
		return
	}
	result := "accepted"
	if status == http.StatusOK {
		result = "duplicate"
	}
	g.writeJSON(w, status, map[string]string{"status": result})
}

// submit admits one user input for sess and returns the HTTP status that
// describes the outcome. A duplicate idempotency key yields 200 without a run.
func (g *Gateway) submit(sess *session.Session, content, idempotencyKey string) (int, error) {
	if !g.ingress.Allow(sess.ID()) {
		return http.StatusTooManyRequests, ErrRateLimited
	}

	var key string
	if idempotencyKey != "" {
		key = dedupe.Key(sess.ID(), idempotencyKey)
		if g.dedupe.CheckAndMark(key) {
			g.logger.Debug("dropping duplicate submission", "client_id", sess.ID(), "key", idempotencyKey)
			return http.StatusOK, nil
		}
	}

	sess.Touch()
	status, err := g.start(sess, content)
	if err != nil && key != "" {
		g.dedupe.Forget(key)
	}
	return status, err
}

func (g *Gateway) start(sess *session.Session, content string) (int, error) {
	rt, err := sess.Runtime()
	if err != nil {
		return sessionErrorStatus(err), err
	}
	if err := rt.Start(content); err != nil {
		switch {
		case errors.Is(err, agent.ErrRunActive):
			return http.StatusConflict, err
		case errors.Is(err, agent.ErrRuntimeKilled):
			return http.StatusGone, err
		default:
			return http.StatusInternalServerError, err
		}
	}
	return http.StatusAccepted, nil
}

// handleStop cancels the current run of a session.
func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := g.lookupSession(w, r, req.ClientID)
	if !ok {
		return
	}
	sess.Touch()

	rt, err := sess.Runtime()
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	rt.Stop()
	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// handleDeleteSession terminates a session immediately.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	sess, ok := g.lookupSession(w, r, clientID)
	if !ok {
		return
	}

	sess.Terminate(true)
	g.ingress.Forget(clientID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListThreads lists the saved threads of the session's user.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	tr, ok := g.threadRuntime(w, r, r.URL.Query().Get("clientId"))
	if !ok {
		return
	}

	summaries, err := tr.Conversation().List(r.Context())
	if err != nil {
		g.logger.Error("failed to list threads", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ThreadListResponse{Threads: summaries}
	if resp.Threads == nil {
		resp.Threads = []thread.Summary{}
	}
	if active := tr.Conversation().Active(); active != nil {
		resp.Active = active.ID
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSelectThread activates a saved thread for the session.
func (g *Gateway) handleSelectThread(w http.ResponseWriter, r *http.Request) {
	var req SelectThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	tr, ok := g.threadRuntime(w, r, req.ClientID)
	if !ok {
		return
	}

	th, err := tr.SelectThread(r.Context(), req.ThreadID)
	switch {
	case errors.Is(err, agent.ErrRunActive):
		g.sendJSONError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, conversation.ErrThreadNotFound):
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	case err != nil:
		g.logger.Error("failed to select thread", "thread_id", req.ThreadID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, th.Summarize())
}

// handleUsage reports the caller's aggregated usage, optionally since a
// RFC 3339 time.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	username := auth.Username(r.Context())
	filter := store.UsageFilter{Username: &username}

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		filter.Since = &since
	}
	if agentName := r.URL.Query().Get("agent"); agentName != "" {
		filter.Agent = &agentName
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to get usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, UsageResponse{
		Username:         username,
		InputTokens:      stats.TotalInput,
		OutputTokens:     stats.TotalOutput,
		CacheReadTokens:  stats.TotalCacheRead,
		CacheWriteTokens: stats.TotalCacheWrite,
		Cost:             stats.TotalCost,
		Requests:         stats.RequestCount,
	})
}

// lookupSession finds the caller's session or writes an error response.
// Sessions of other users are reported as missing.
func (g *Gateway) lookupSession(w http.ResponseWriter, r *http.Request, clientID string) (*session.Session, bool) {
	if clientID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "clientId is required")
		return nil, false
	}
	sess, ok := g.sessions.Get(clientID)
	if !ok || sess.Username() != auth.Username(r.Context()) {
		g.sendJSONError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return nil, false
	}
	return sess, true
}

func (g *Gateway) threadRuntime(w http.ResponseWriter, r *http.Request, clientID string) (threadRuntime, bool) {
	sess, ok := g.lookupSession(w, r, clientID)
	if !ok {
		return nil, false
	}
	sess.Touch()

	rt, err := sess.Runtime()
	if err != nil {
		g.sendSessionError(w, err)
		return nil, false
	}
	tr, ok := rt.(threadRuntime)
	if !ok {
		g.sendJSONError(w, http.StatusNotImplemented, "runtime does not manage threads")
		return nil, false
	}
	return tr, true
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionOwned):
		return http.StatusForbidden
	case errors.Is(err, session.ErrSessionTerminated):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) sendSessionError(w http.ResponseWriter, err error) {
	status := sessionErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("session error", "error", err)
		msg = "internal server error"
	}
	g.sendJSONError(w, status, msg)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
