package daemon

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"conewatch/internal/api"
	"conewatch/internal/config"
	"conewatch/internal/fileutil"
	"conewatch/internal/history"
	"conewatch/internal/logging"
	"conewatch/internal/params"
	"conewatch/internal/pipeline"
)

//go:embed viewer.html
var viewerPage []byte

const (
	maxParamsBody   = 1 << 20
	defaultLogLimit = 200
)

type apiServer struct {
	cfg    *config.Config
	bind   string
	logger *slog.Logger
	daemon *Daemon
	ws     *wsHandler

	mu       sync.Mutex
	baseCtx  context.Context
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		cfg:    cfg,
		bind:   strings.TrimSpace(cfg.Server.Bind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.ws = newWSHandler(cfg, d.registry, logger)
	return srv
}

func (s *apiServer) routes() http.Handler {
	token := s.cfg.Server.APIToken
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleViewer)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /output/{name}", s.handleFile(s.cfg.Paths.OutputDir))
	mux.HandleFunc("GET /data/{name}", s.handleFile(s.cfg.Paths.DataDir))
	mux.HandleFunc("GET /api/status", authMiddleware(token, s.handleStatus))
	mux.HandleFunc("POST /api/run-pipeline/{step}", authMiddleware(token, s.handleRunPipeline))
	mux.HandleFunc("GET /api/params", authMiddleware(token, s.handleGetParams))
	mux.HandleFunc("POST /api/params", authMiddleware(token, s.handleSaveParams))
	mux.HandleFunc("POST /api/params/defaults", authMiddleware(token, s.handleRestoreParams))
	mux.HandleFunc("GET /api/invocations", authMiddleware(token, s.handleInvocations))
	mux.HandleFunc("GET /api/invocations/{id}", authMiddleware(token, s.handleInvocation))
	mux.HandleFunc("GET /api/logs", authMiddleware(token, s.handleLogs))
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return errors.New("server bind address required")
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	// No WriteTimeout: run-pipeline holds the response open for the whole
	// invocation.
	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.baseCtx = ctx
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.cfg.Server.APIToken != ""),
	)
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api server shutdown incomplete", logging.Error(err))
		_ = server.Close()
	}
	s.ws.wait()
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleViewer(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(viewerPage)
}

func (s *apiServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = r.Context()
	}
	s.ws.serve(ctx, w, r)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	label := "running"
	if !status.Running {
		label = "stopped"
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{
		Status:            label,
		Files:             status.Files,
		ActiveConnections: status.ActiveConnections,
		PipelineRunning:   status.PipelineRunning,
		Timestamp:         api.FormatTime(status.Timestamp),
		PID:               os.Getpid(),
		Checks:            api.FromChecks(status.Checks),
		Dependencies:      api.FromDependencies(status.Dependencies),
	})
}

func (s *apiServer) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	// A disconnecting caller does not stop an admitted run; the result still
	// lands in history.
	result := s.daemon.invoker.Invoke(r.Context(), r.PathValue("step"))
	status := http.StatusOK
	switch result.Outcome {
	case pipeline.OutcomeInvalidStep:
		status = http.StatusBadRequest
	case pipeline.OutcomeBusy:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, api.FromResult(result))
}

// handleFile serves a single file from root. Anything that is not a regular
// file directly under root is reported as not found.
func (s *apiServer) handleFile(root string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, info, err := openUnder(root, r.PathValue("name"))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Debug("file request failed", logging.String("name", r.PathValue("name")), logging.Error(err))
			}
			s.writeError(w, http.StatusNotFound, "File not found")
			return
		}
		defer file.Close()
		w.Header().Set("Cache-Control", "no-store")
		http.ServeContent(w, r, info.Name(), info.ModTime(), file)
	}
}

func openUnder(root, name string) (*os.File, os.FileInfo, error) {
	path, err := fileutil.ResolveUnder(root, name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name)
	}
	return file, info, nil
}

func (s *apiServer) handleGetParams(w http.ResponseWriter, _ *http.Request) {
	store := s.daemon.params
	doc, err := store.Load()
	if err != nil {
		if errors.Is(err, params.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Configuration file not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeParams(w, http.StatusOK, "", doc, store.Path())
}

func (s *apiServer) handleSaveParams(w http.ResponseWriter, r *http.Request) {
	store := s.daemon.params
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxParamsBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	doc, err := params.Decode(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := store.Save(doc); err != nil {
		if errors.Is(err, params.ErrMissingKey) || errors.Is(err, params.ErrInvalidDocument) {
			s.writeError(w, http.StatusBadRequest, missingKeyMessage(err))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("parameter document updated",
		logging.String("path", store.Path()),
		logging.String(logging.FieldEventType, "params_saved"),
	)
	s.writeParams(w, http.StatusOK, "Parameters updated successfully", nil, store.Path())
}

func (s *apiServer) handleRestoreParams(w http.ResponseWriter, _ *http.Request) {
	store := s.daemon.params
	doc, err := store.RestoreDefaults()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("parameter document reset to defaults",
		logging.String("path", store.Path()),
		logging.String(logging.FieldEventType, "params_restored"),
	)
	s.writeParams(w, http.StatusOK, "Parameters restored to defaults", doc, store.Path())
}

func missingKeyMessage(err error) string {
	if errors.Is(err, params.ErrMissingKey) {
		key := strings.TrimSpace(strings.TrimPrefix(err.Error(), params.ErrMissingKey.Error()+":"))
		return "Missing required key: " + key
	}
	return err.Error()
}

func (s *apiServer) writeParams(w http.ResponseWriter, status int, message string, doc params.Document, path string) {
	resp := api.ParamsResponse{Success: true, Message: message, ConfigFile: path}
	if doc != nil {
		raw, err := json.Marshal(doc)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Params = raw
	}
	s.writeJSON(w, status, resp)
}

func (s *apiServer) handleInvocations(w http.ResponseWriter, r *http.Request) {
	store := s.daemon.history
	if store == nil {
		s.writeJSON(w, http.StatusOK, api.InvocationListResponse{Invocations: []api.Invocation{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := store.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := store.Count(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.InvocationListResponse{
		Invocations: api.FromEntries(entries),
		Total:       total,
	})
}

func (s *apiServer) handleInvocation(w http.ResponseWriter, r *http.Request) {
	store := s.daemon.history
	if store == nil {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	entry, err := store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "invocation not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromEntry(entry))
}

func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	hub := s.daemon.LogStream()
	if hub == nil {
		s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: []api.LogEvent{}})
		return
	}

	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if tail, err := strconv.Atoi(query.Get("tail")); err == nil && tail > 0 {
		limit = tail
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")
	component := strings.TrimSpace(query.Get("component"))

	var (
		events []logging.LogEvent
		next   uint64
	)
	if since == 0 && !follow {
		events, next = hub.Tail(limit)
	} else {
		var err error
		events, next, err = hub.Fetch(r.Context(), since, limit, follow)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	filtered := make([]logging.LogEvent, 0, len(events))
	for _, evt := range events {
		if component != "" && !strings.EqualFold(component, evt.Component) {
			continue
		}
		filtered = append(filtered, evt)
	}
	converted := api.FromLogEvents(filtered)
	if converted == nil {
		converted = []api.LogEvent{}
	}
	s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: converted, Next: next})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
