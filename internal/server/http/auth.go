package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/corveehq/corvee/internal/userstore"
)

type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResp struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	initialized, err := s.users.Initialized()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": initialized})
}

// handleAuthInit creates the first admin account and logs it in. Only
// works while no account exists.
func (s *Server) handleAuthInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if _, err := s.users.Init(req.Username, req.Password); err != nil {
		if errors.Is(err, userstore.ErrInitialized) {
			writeError(w, http.StatusConflict, "already initialized")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, u, err := s.users.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login after init failed")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResp{Token: token, Username: u.Username, Admin: u.Admin})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	token, u, err := s.users.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, userstore.ErrBadCredentials) {
			writeError(w, http.StatusUnauthorized, "bad credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{Token: token, Username: u.Username, Admin: u.Admin})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing session")
		return
	}
	if err := s.users.Logout(token); err != nil {
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
