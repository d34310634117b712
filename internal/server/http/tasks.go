package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/corveehq/corvee/internal/distributor"
	"github.com/corveehq/corvee/internal/taskstore"
)

type assignmentResp struct {
	Token     string `json:"token"`
	Project   string `json:"project"`
	Machine   string `json:"machine"`
	Page      int    `json:"page"`
	PageCount int    `json:"page_count"`
	Image     string `json:"image"`
	Resumed   bool   `json:"resumed"`
	// PingIntervalMs tells the client how often to ping the heartbeat
	// channel.
	PingIntervalMs int64 `json:"ping_interval_ms"`
}

type fetchReq struct {
	Project string `json:"project"`
}

func (s *Server) handleTaskFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, ok := s.sessionUser(w, r)
	if !ok {
		return
	}
	var req fetchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}

	a, err := s.dist.Fetch(r.Context(), u.Username, req.Project)
	if errors.Is(err, distributor.ErrNoWork) {
		writeError(w, http.StatusNotFound, "no work available")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, assignmentResp{
		Token:          a.Token,
		Project:        a.Task.Key.Project,
		Machine:        a.Task.Key.Machine,
		Page:           a.Task.Key.Page,
		PageCount:      a.Task.PageCount,
		Image:          a.Task.ImagePath,
		Resumed:        a.Resumed,
		PingIntervalMs: s.heartbeatPing.Milliseconds(),
	})
}

type skipReq struct {
	Token string `json:"token"`
}

func (s *Server) handleTaskSkip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, ok := s.sessionUser(w, r)
	if !ok {
		return
	}
	var req skipReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if err := s.dist.Skip(r.Context(), u.Username, req.Token); err != nil {
		writeDistError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitReq struct {
	Token string          `json:"token"`
	Rows  []taskstore.Row `json:"rows"`
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, ok := s.sessionUser(w, r)
	if !ok {
		return
	}
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	sub, err := s.dist.Submit(r.Context(), u.Username, req.Token, req.Rows)
	if err != nil {
		writeDistError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func writeDistError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, distributor.ErrInvalidToken):
		writeError(w, http.StatusGone, "invalid task token")
	case errors.Is(err, distributor.ErrOwnershipMismatch):
		writeError(w, http.StatusConflict, "unit no longer held by this session")
	case errors.Is(err, distributor.ErrSinkUnavailable):
		writeError(w, http.StatusServiceUnavailable, "dataset sink unavailable, retry")
	default:
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.sessionUser(w, r); !ok {
		return
	}
	projects, err := s.store.AvailableProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "project listing failed")
		return
	}
	if projects == nil {
		projects = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"projects": projects})
}

type submissionResp struct {
	ID          string          `json:"id"`
	Project     string          `json:"project"`
	Machine     string          `json:"machine"`
	Page        int             `json:"page"`
	Username    string          `json:"username"`
	Rows        []taskstore.Row `json:"rows"`
	SubmittedMs int64           `json:"submitted_ms"`
	UpdatedMs   int64           `json:"updated_ms,omitempty"`
}

func toSubmissionResp(sub *taskstore.Submission) submissionResp {
	return submissionResp{
		ID:          sub.ID,
		Project:     sub.Key.Project,
		Machine:     sub.Key.Machine,
		Page:        sub.Key.Page,
		Username:    sub.Username,
		Rows:        sub.Rows,
		SubmittedMs: sub.SubmittedMs,
		UpdatedMs:   sub.UpdatedMs,
	}
}

func (s *Server) handleSubmissionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, ok := s.sessionUser(w, r)
	if !ok {
		return
	}
	subs, err := s.store.SubmissionsByUser(u.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "submission listing failed")
		return
	}
	resp := make([]submissionResp, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, toSubmissionResp(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": resp})
}

func (s *Server) handleSubmissionGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, ok := s.sessionUser(w, r)
	if !ok {
		return
	}
	sub, err := s.store.GetSubmission(r.URL.Query().Get("id"))
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "submission lookup failed")
		return
	}
	if sub.Username != u.Username && !u.Admin {
		writeError(w, http.StatusForbidden, "not your submission")
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionResp(sub))
}

type submissionUpdateReq struct {
	ID   string          `json:"id"`
	Rows []taskstore.Row `json:"rows"`
}

func (s *Server) handleSubmissionUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, ok := s.sessionUser(w, r)
	if !ok {
		return
	}
	var req submissionUpdateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	sub, err := s.store.GetSubmission(req.ID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "submission lookup failed")
		return
	}
	if sub.Username != u.Username && !u.Admin {
		writeError(w, http.StatusForbidden, "not your submission")
		return
	}
	updated, err := s.store.UpdateSubmission(req.ID, req.Rows, nowMs())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "submission update failed")
		return
	}
	if s.suggester != nil {
		_ = s.suggester.AddRows(req.Rows)
	}
	writeJSON(w, http.StatusOK, toSubmissionResp(updated))
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.sessionUser(w, r); !ok {
		return
	}
	if s.suggester == nil {
		writeJSON(w, http.StatusOK, map[string][]string{"suggestions": {}})
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	terms, err := s.suggester.Suggestions(q.Get("field"), q.Get("prefix"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "suggestion lookup failed")
		return
	}
	if terms == nil {
		terms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"suggestions": terms})
}

type leaderboardEntry struct {
	Username     string `json:"username"`
	Contribution int    `json:"contribution"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.sessionUser(w, r); !ok {
		return
	}
	users, err := s.users.Leaderboard()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "leaderboard failed")
		return
	}
	entries := make([]leaderboardEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, leaderboardEntry{Username: u.Username, Contribution: u.Contribution})
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}
