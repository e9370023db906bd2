package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DeafMist/filing-radar/internal/elasticsearch"
	"github.com/DeafMist/filing-radar/internal/monitor"
)

const (
	defaultPage = 20
	maxPage     = 200
)

type filingArchive interface {
	Health(ctx context.Context) error
	SearchFilings(ctx context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error)
}

type server struct {
	log     *slog.Logger
	tracker *monitor.Tracker
	archive filingArchive
	webhook http.Handler
}

type errorResponse struct {
	Error string `json:"error"`
}

func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.archive != nil {
		r.Get("/filings", s.handleSearch)
	}
	if s.webhook != nil {
		r.Method(http.MethodPost, "/telegram/webhook", s.webhook)
	}
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.archive.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	params := elasticsearch.SearchParams{
		Query: strings.TrimSpace(q.Get("q")),
		CIK:   strings.TrimSpace(q.Get("cik")),
		Forms: parseCSV(q.Get("forms")),
		From:  clampInt(q.Get("from"), 0, 10_000),
		Size:  clampInt(q.Get("size"), defaultPage, maxPage),
		Sort:  strings.TrimSpace(q.Get("sort")),
		Start: parseTime(q.Get("start")),
		End:   parseTime(q.Get("end")),
	}

	result, err := s.archive.SearchFilings(ctx, params)
	if err != nil {
		s.log.Warn("archive search failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts
		}
	}
	return nil
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
