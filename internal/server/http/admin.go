package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/cel-go/cel"

	"github.com/corveehq/corvee/internal/taskstore"
	"github.com/corveehq/corvee/internal/userstore"
)

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}
	stats, err := s.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": stats})
}

type adminUserResp struct {
	Username     string `json:"username"`
	Admin        bool   `json:"admin"`
	Contribution int    `json:"contribution"`
	CreatedMs    int64  `json:"created_ms"`
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}
	users, err := s.users.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user listing failed")
		return
	}
	resp := make([]adminUserResp, 0, len(users))
	for _, u := range users {
		resp = append(resp, adminUserResp{
			Username:     u.Username,
			Admin:        u.Admin,
			Contribution: u.Contribution,
			CreatedMs:    u.CreatedMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": resp})
}

type adminUserCreateReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Admin    bool   `json:"admin"`
}

func (s *Server) handleAdminUserCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}
	var req adminUserCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if _, err := s.users.Create(req.Username, req.Password, req.Admin); err != nil {
		if errors.Is(err, userstore.ErrExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type adminUsernameReq struct {
	Username string `json:"username"`
}

func (s *Server) handleAdminUserDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	admin, ok := s.adminUser(w, r)
	if !ok {
		return
	}
	var req adminUsernameReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.Username == admin.Username {
		writeError(w, http.StatusBadRequest, "cannot delete yourself")
		return
	}
	if err := s.users.Delete(req.Username); err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminSetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if err := s.users.SetPassword(req.Username, req.Password); err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "set password failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adminSetAdminReq struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

func (s *Server) handleAdminSetAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}
	var req adminSetAdminReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if err := s.users.SetAdmin(req.Username, req.Admin); err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "set admin failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lockedTaskResp struct {
	Project    string `json:"project"`
	Machine    string `json:"machine"`
	Page       int    `json:"page"`
	Owner      string `json:"owner"`
	LockedAtMs int64  `json:"locked_at_ms"`
}

func (s *Server) handleAdminLocked(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}
	tasks, err := s.store.LockedTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "locked listing failed")
		return
	}
	resp := make([]lockedTaskResp, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, lockedTaskResp{
			Project:    t.Key.Project,
			Machine:    t.Key.Machine,
			Page:       t.Key.Page,
			Owner:      t.Owner,
			LockedAtMs: t.LockedAtMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": resp})
}

type adminUnlockReq struct {
	Project string `json:"project"`
	Machine string `json:"machine"`
	Page    int    `json:"page"`
}

func (s *Server) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}
	var req adminUnlockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	k := taskstore.UnitKey{Project: req.Project, Machine: req.Machine, Page: req.Page}
	owner, err := s.store.ForceRelease(k, nowMs())
	if err != nil {
		switch {
		case errors.Is(err, taskstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "unit not found")
		case errors.Is(err, taskstore.ErrNotLocked):
			writeError(w, http.StatusConflict, "unit is not locked")
		default:
			writeError(w, http.StatusInternalServerError, "unlock failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"released_owner": owner})
}

func (s *Server) handleAdminScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}
	if s.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner not configured")
		return
	}
	res, err := s.scanner.Scan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// submissionFilterEnv declares the variables a submission filter
// expression may reference.
func submissionFilterEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("username", cel.StringType),
		cel.Variable("project", cel.StringType),
		cel.Variable("machine", cel.StringType),
		cel.Variable("page", cel.IntType),
		cel.Variable("rows", cel.IntType),
		cel.Variable("submitted_ms", cel.IntType),
	)
}

// compileSubmissionFilter builds a predicate from a CEL expression such
// as `username == "alice" && rows > 3`.
func compileSubmissionFilter(expr string) (func(*taskstore.Submission) (bool, error), error) {
	env, err := submissionFilterEnv()
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return func(sub *taskstore.Submission) (bool, error) {
		out, _, err := prg.Eval(map[string]any{
			"username":     sub.Username,
			"project":      sub.Key.Project,
			"machine":      sub.Key.Machine,
			"page":         sub.Key.Page,
			"rows":         len(sub.Rows),
			"submitted_ms": sub.SubmittedMs,
		})
		if err != nil {
			return false, err
		}
		match, ok := out.Value().(bool)
		if !ok {
			return false, errors.New("filter must evaluate to a boolean")
		}
		return match, nil
	}, nil
}

func (s *Server) handleAdminSubmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.adminUser(w, r); !ok {
		return
	}

	var match func(*taskstore.Submission) (bool, error)
	if expr := r.URL.Query().Get("filter"); expr != "" {
		var err error
		match, err = compileSubmissionFilter(expr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad filter: "+err.Error())
			return
		}
	}

	var resp []submissionResp
	err := s.store.EachSubmission(func(sub *taskstore.Submission) error {
		if match != nil {
			ok, err := match(sub)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		resp = append(resp, toSubmissionResp(sub))
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "filter evaluation failed: "+err.Error())
		return
	}
	if resp == nil {
		resp = []submissionResp{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": resp})
}
