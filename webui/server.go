// Package webui serves a read-only viewer over the session index.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/localstore"
)

//go:embed all:assets
var embeddedAssets embed.FS

const DefaultPort = 8675

type apiError struct {
	Error string `json:"error"`
}

type server struct {
	store *localstore.Store
	log   *slog.Logger
}

// NewRouter returns the viewer's HTTP handler: the JSON API under /api and
// the embedded single-page UI.
func NewRouter(store *localstore.Store, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{store: store, log: logger.With("component", "webui")}

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		return nil, fmt.Errorf("webui: sub FS for embedded assets: %w", err)
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.sessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.sessionDetailHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}/records", s.sessionRecordsHandler).Methods("GET")
	api.HandleFunc("/records", s.recordsHandler).Methods("GET")
	api.HandleFunc("/values", s.valuesHandler).Methods("GET")

	router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(assetsFS))))
	router.HandleFunc("/", rootHandler(assetsFS, s.log))
	return router, nil
}

// Serve runs the viewer on localhost:port until ctx is done, then shuts
// down gracefully.
func Serve(ctx context.Context, store *localstore.Store, port int, open bool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	router, err := NewRouter(store, logger)
	if err != nil {
		return err
	}
	address := fmt.Sprintf("localhost:%d", port)
	srv := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("viewer listening", "url", "http://"+address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", address, err)
		}
		close(errCh)
	}()
	if open {
		openBrowser("http://"+address, logger)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down viewer")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func rootHandler(assetsFS fs.FS, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		file, err := assetsFS.Open("index.html")
		if err != nil {
			log.Error("open embedded index.html", "error", err)
			http.Error(w, "Could not load application.", http.StatusInternalServerError)
			return
		}
		defer file.Close()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := io.Copy(w, file); err != nil {
			log.Warn("write index.html", "error", err)
		}
	}
}

func (s *server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiError{Error: message})
}

func pagination(r *http.Request) (int, int) {
	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	return page, limit
}

func (s *server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	filters := localstore.SessionFilters{
		Status:     r.URL.Query().Get("status"),
		SearchTerm: r.URL.Query().Get("search"),
	}
	result, err := s.store.QuerySessions(filters, page, limit)
	if err != nil {
		s.log.Error("query sessions", "error", err)
		writeError(w, "Failed to retrieve sessions", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, result)
}

func (s *server) sessionDetailHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	summary, err := s.store.GetSession(id)
	if err != nil {
		s.log.Error("get session", "session_id", id, "error", err)
		writeError(w, "Failed to retrieve session", http.StatusInternalServerError)
		return
	}
	if summary == nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, summary)
}

func (s *server) sessionRecordsHandler(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	filters := recordFilters(r)
	filters.SessionID = mux.Vars(r)["id"]
	s.queryRecords(w, filters, page, limit)
}

func (s *server) recordsHandler(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	filters := recordFilters(r)
	filters.SessionID = r.URL.Query().Get("session_id")
	s.queryRecords(w, filters, page, limit)
}

func recordFilters(r *http.Request) localstore.RecordFilters {
	q := r.URL.Query()
	return localstore.RecordFilters{
		Identifier: q.Get("identifier"),
		Property:   q.Get("property"),
		SourceTool: q.Get("source_tool"),
		WithValue:  q.Get("with_value") == "true",
	}
}

func (s *server) queryRecords(w http.ResponseWriter, filters localstore.RecordFilters, page, limit int) {
	result, err := s.store.QueryRecords(filters, page, limit)
	if err != nil {
		s.log.Error("query records", "error", err)
		writeError(w, "Failed to retrieve records", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

func (s *server) valuesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	value, err := strconv.ParseFloat(q.Get("value"), 64)
	if err != nil {
		writeError(w, "value must be a number", http.StatusBadRequest)
		return
	}
	matches, err := s.store.FindValue(value, q.Get("unit"))
	if err != nil {
		s.log.Error("find value", "error", err)
		writeError(w, "Failed to look up value", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, matches)
}

func openBrowser(url string, log *slog.Logger) {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	if err != nil {
		log.Info("failed to open browser automatically, please open manually", "url", url, "error", err)
	}
}
