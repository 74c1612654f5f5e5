package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/notedown/internal/archive"
	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/protocol"
	"github.com/jmylchreest/notedown/internal/version"
	"github.com/jmylchreest/notedown/pkg/extract"
	"github.com/jmylchreest/notedown/pkg/fetcher"
	"github.com/jmylchreest/notedown/pkg/note"
	"github.com/jmylchreest/notedown/pkg/notedown"
)

// Error messages returned to clients.
const (
	msgURLRequired      = "URL is required"
	msgInvalidURL       = "Invalid Xiaohongshu URL"
	msgNoNoteData       = "No note data found on the page"
	msgFetchTimeout     = "Timed out loading the note page"
	msgExtractFailed    = "Failed to extract content"
	msgMarkdownRequired = "Markdown content is required"
	msgOptimizeFailed   = "Failed to optimize content"
	msgNoProvider       = "No AI provider is configured"
	msgInvalidBody      = "Invalid request body"
	msgNoteNotFound     = "Note not found"
	msgInternal         = "Internal server error"
)

type extractRequest struct {
	URL string `json:"url" validate:"required"`
}

type extractResponse struct {
	Success bool             `json:"success"`
	Data    *note.Extraction `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type optimizeRequest struct {
	Markdown     string `json:"markdown" validate:"required"`
	Instructions string `json:"instructions,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
}

type optimizeResponse struct {
	Success           bool   `json:"success"`
	OptimizedMarkdown string `json:"optimizedMarkdown,omitempty"`
	Error             string `json:"error,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type notesResponse struct {
	Success bool              `json:"success"`
	Notes   []archive.Summary `json:"notes"`
}

type noteResponse struct {
	Success bool           `json:"success"`
	Note    *archive.Entry `json:"note"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version.Get().Version,
		"extension": s.channel != nil,
		"archive":   s.archive != nil,
	})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, extractResponse{Error: msgURLRequired})
		return
	}

	log := requestLog(r)
	ex, err := s.pipeline.Extract(r.Context(), req.URL)
	if err != nil {
		status, msg := extractStatus(err)
		log.Warn("extraction failed", "url", req.URL, "status", status, "error", err)
		writeJSON(w, status, extractResponse{Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, extractResponse{Success: true, Data: &ex})
}

// extractStatus maps a pipeline error to a status and client message.
func extractStatus(err error) (int, string) {
	switch {
	case errors.Is(err, notedown.ErrInvalidURL):
		return http.StatusBadRequest, msgInvalidURL
	case errors.Is(err, extract.ErrNoNoteData):
		return http.StatusUnprocessableEntity, msgNoNoteData
	case errors.Is(err, fetcher.ErrChallengeTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, msgFetchTimeout
	default:
		return http.StatusInternalServerError, msgExtractFailed
	}
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, optimizeResponse{Error: msgMarkdownRequired})
		return
	}

	var opts []notedown.OptimizeOption
	if req.APIKey != "" {
		opts = append(opts, notedown.WithRequestAPIKey(req.APIKey))
	}

	out, err := s.pipeline.Optimize(r.Context(), req.Markdown, req.Instructions, opts...)
	switch {
	case errors.Is(err, notedown.ErrEmptyMarkdown):
		writeJSON(w, http.StatusBadRequest, optimizeResponse{Error: msgMarkdownRequired})
	case errors.Is(err, notedown.ErrNoProvider):
		writeJSON(w, http.StatusInternalServerError, optimizeResponse{Error: msgNoProvider, OptimizedMarkdown: req.Markdown})
	case err != nil:
		requestLog(r).Warn("optimization failed", "error", err)
		writeJSON(w, http.StatusBadGateway, optimizeResponse{
			Error:             msgOptimizeFailed,
			OptimizedMarkdown: req.Markdown,
		})
	default:
		writeJSON(w, http.StatusOK, optimizeResponse{Success: true, OptimizedMarkdown: out})
	}
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", archive.DefaultListLimit)
	offset := queryInt(r, "offset", 0)

	notes, err := s.archive.List(limit, offset)
	if err != nil {
		requestLog(r).Error("list notes failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgInternal})
		return
	}
	writeJSON(w, http.StatusOK, notesResponse{Success: true, Notes: notes})
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	entry, err := s.archive.Get(chi.URLParam(r, "noteID"))
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: msgNoteNotFound})
	case err != nil:
		requestLog(r).Error("get note failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgInternal})
	default:
		writeJSON(w, http.StatusOK, noteResponse{Success: true, Note: entry})
	}
}

// handleMessage relays a host page message to the coordinator. A request
// addressed to another coordinator identity finds no receiver.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(protocol.ExtensionIDHeader); id != "" && id != s.channel.ID() {
		writeJSON(w, http.StatusNotFound, protocol.Failure(protocol.ErrNoReceiver.Error()))
		return
	}

	var msg protocol.Message
	if !s.decode(w, r, &msg) {
		return
	}

	resp, err := s.channel.Post(r.Context(), msg, r.Header.Get("Origin"))
	switch {
	case errors.Is(err, protocol.ErrOriginRejected):
		writeJSON(w, http.StatusForbidden, resp)
	case errors.Is(err, protocol.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, protocol.Failure(err.Error()))
	case errors.Is(err, protocol.ErrNoReceiver):
		writeJSON(w, http.StatusNotFound, protocol.Failure(err.Error()))
	case err != nil:
		requestLog(r).Error("message failed", "type", msg.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.Failure(msgInternal))
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleEvents streams extracted-note broadcasts as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if s.origins == nil || !s.origins.Allowed(origin) {
		logger.Warn("event stream rejected", "origin", origin)
		writeJSON(w, http.StatusForbidden, protocol.Failure(protocol.ErrOriginRejected.Error()))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.events.Subscribe(0)
	defer cancel()

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	log := requestLog(r).With("origin", origin)
	log.Debug("event stream opened")

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				log.Warn("could not encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// decode reads a JSON body bounded by the configured size. It writes the
// error response itself and reports whether decoding succeeded.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: msgInvalidBody})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidBody})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func requestLog(r *http.Request) *slog.Logger {
	return logger.Component(logger.Server).With("request_id", middleware.GetReqID(r.Context()))
}
