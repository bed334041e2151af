package daemonapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/otusdev/otusd/internal/secrets"
	"github.com/otusdev/otusd/internal/session"
	"github.com/otusdev/otusd/internal/version"
)

type healthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	VMPool  *vmPoolStatus `json:"vmPool,omitempty"`
}

type vmPoolStatus struct {
	Available int `json:"available"`
	Target    int `json:"target"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: version.Version()}
	if s.pool != nil {
		resp.VMPool = &vmPoolStatus{Available: s.pool.Available(), Target: s.pool.Target()}
	} else if pools := s.workspacePools(); len(pools) > 0 {
		agg := &vmPoolStatus{}
		for _, p := range pools {
			agg.Available += p.Available()
			agg.Target += p.Target()
		}
		resp.VMPool = agg
	}
	writeJSON(w, http.StatusOK, resp)
}

type prerequisitesRequest struct {
	WorkspacePath string `json:"workspacePath"`
}

type prerequisitesResponse struct {
	OK     bool     `json:"ok"`
	Issues []string `json:"issues"`
}

func (s *Server) handlePrerequisites(w http.ResponseWriter, r *http.Request) {
	var req prerequisitesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var issues []string
	if req.WorkspacePath == "" {
		issues = append(issues, "workspacePath is required")
	}
	if _, err := os.Stat(s.cfg.BaseRootfsPath); err != nil {
		issues = append(issues, fmt.Sprintf("base rootfs image not found at %s", s.cfg.BaseRootfsPath))
	}
	if _, err := os.Stat(s.cfg.KernelPath); err != nil {
		issues = append(issues, fmt.Sprintf("kernel image not found at %s", s.cfg.KernelPath))
	}
	if s.creds.OpenRouterAPIKey == "" {
		issues = append(issues, "no OpenRouter API key configured; run init first")
	}

	writeJSON(w, http.StatusOK, prerequisitesResponse{OK: len(issues) == 0, Issues: issues})
}

type initRequest struct {
	WorkspacePath    string `json:"workspacePath"`
	OpenRouterAPIKey string `json:"openrouterApiKey"`
	VoyageAPIKey     string `json:"voyageApiKey"`
	Verbose          bool   `json:"verbose"`
	Model            string `json:"model"`
	MaxIterations    int    `json:"maxIterations"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspacePath is required")
		return
	}

	creds := secrets.Credentials{OpenRouterAPIKey: req.OpenRouterAPIKey, VoyageAPIKey: req.VoyageAPIKey}
	if err := secrets.Save(s.cfg.CredentialsPath, creds); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("save credentials: %v", err))
		return
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()

	root := s.resolveWorkspacePath(req.WorkspacePath)
	if _, err := s.initWorkspace(root, req.Model, req.MaxIterations); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("init workspace: %v", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type createSessionRequest struct {
	WorkspacePath string `json:"workspacePath"`
	MaxIterations int    `json:"maxIterations"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspacePath is required")
		return
	}

	root := s.resolveWorkspacePath(req.WorkspacePath)
	ws, ok := s.getWorkspace(root)
	if !ok {
		var err error
		ws, err = s.initWorkspace(root, "", req.MaxIterations)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("init workspace: %v", err))
			return
		}
	}

	sess := s.sessions.Open()
	engine := ws.newEngine(req.MaxIterations)

	s.mu.Lock()
	s.sessionEngines[sess.ID] = engine
	s.sessionWorkspaces[sess.ID] = ws.root
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: sess.ID, Model: ws.model})
}

type messagesRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	sess := s.sessions.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.mu.Lock()
	engine := s.sessionEngines[id]
	s.mu.Unlock()
	if engine == nil {
		writeError(w, http.StatusInternalServerError, "session has no bound inference engine")
		return
	}

	var req messagesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	events, unsub := sess.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Chat(r.Context(), sess, req.Message)
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				streamEvent(w, canFlush, map[string]string{"kind": "stream_end"})
				return
			}
			streamEvent(w, canFlush, ev)
			if ev.Kind == session.EventComplete {
				streamEvent(w, canFlush, map[string]string{"kind": "stream_end"})
				<-done
				return
			}
		}
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	s.sessions.Close(id)

	s.mu.Lock()
	delete(s.sessionEngines, id)
	delete(s.sessionWorkspaces, id)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkspaceShutdown(w http.ResponseWriter, r *http.Request) {
	rawPath := pathParam(r, "path")
	root := s.resolveWorkspacePath(rawPath)

	ws, ok := s.removeWorkspace(root)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ws.sandboxes.Shutdown(r.Context())
	if ws.poolOwned {
		ws.pool.Shutdown(r.Context())
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// decodeJSON decodes r's JSON body into v, writing a 400 response and
// returning false on failure. An empty body is treated as a zero value,
// matching handlers whose fields are all optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// streamEvent writes one SSE frame: "data: <json>\n\n", flushing
// immediately so the client sees it without buffering delay.
func streamEvent(w http.ResponseWriter, canFlush bool, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok && canFlush {
		f.Flush()
	}
}
