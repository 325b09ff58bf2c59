package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fabula/api/internal/content"
	"fabula/api/internal/export"
	"fabula/api/internal/lock"
	"fabula/api/internal/search"
	"fabula/api/internal/store"
	"fabula/api/internal/story"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}
		response := s.service.SearchResources(search.Query{
			Text:       q,
			StoryID:    strings.TrimSpace(r.URL.Query().Get("storyId")),
			FilterKind: strings.TrimSpace(r.URL.Query().Get("kind")),
			Limit:      limit,
			Offset:     offset,
		})
		writeJSON(w, http.StatusOK, response)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/stories" {
		items, err := s.service.ListStories(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stories": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/stories" {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body StoryMetadataInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.CreateStory(r.Context(), userID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 3 || segments[0] != "api" || segments[1] != "stories" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	storyID := segments[2]

	if len(segments) == 3 {
		switch r.Method {
		case http.MethodGet:
			item, err := s.service.GetStory(r.Context(), storyID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, item)
		case http.MethodPut:
			userID, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			var body StoryMetadataInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.UpdateStoryMetadata(r.Context(), storyID, userID, body); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case http.MethodDelete:
			if _, ok := s.requireUser(w, r); !ok {
				return
			}
			if err := s.service.DeleteStory(r.Context(), storyID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch segments[3] {
	case "locks":
		s.handleLocks(w, r, storyID, segments)
	case "sections":
		s.handleSections(w, r, storyID, segments)
	case "resources":
		s.handleResources(w, r, storyID, segments)
	case "contextualizations":
		s.handleContextualizations(w, r, storyID, segments)
	case "export":
		s.handleExport(w, r, storyID, segments)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLocks(w http.ResponseWriter, r *http.Request, storyID string, segments []string) {
	if r.Method == http.MethodGet && len(segments) == 4 {
		summary, err := s.service.LockSummary(r.Context(), storyID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if r.Method == http.MethodPost && len(segments) == 5 {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		switch segments[4] {
		case "enter", "leave":
			var body struct {
				BlockType string `json:"blockType"`
				BlockID   string `json:"blockId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if strings.TrimSpace(body.BlockID) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "blockId is required", nil)
				return
			}
			var err error
			if segments[4] == "enter" {
				err = s.service.EnterBlock(r.Context(), storyID, userID, lock.BlockType(body.BlockType), body.BlockID)
			} else {
				err = s.service.LeaveBlock(r.Context(), storyID, userID, lock.BlockType(body.BlockType), body.BlockID)
			}
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case "release":
			if err := s.service.ReleaseUserLocks(r.Context(), storyID, userID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, storyID string, segments []string) {
	if r.Method == http.MethodPost && len(segments) == 4 {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body struct {
			Metadata story.Metadata `json:"metadata"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		section, err := s.service.CreateSection(r.Context(), storyID, userID, body.Metadata)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, section)
		return
	}

	// Section ids are prefixed, so "order" never collides with one.
	if len(segments) == 5 && segments[4] == "order" && r.Method == http.MethodPut {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body struct {
			Order []string `json:"order"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateSectionsOrder(r.Context(), storyID, userID, body.Order); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(segments) == 5 {
		sectionID := segments[4]
		switch r.Method {
		case http.MethodPut:
			userID, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			var body SectionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.UpdateSection(r.Context(), storyID, userID, sectionID, body); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case http.MethodDelete:
			userID, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			if err := s.service.DeleteSection(r.Context(), storyID, userID, sectionID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(segments) == 6 && segments[5] == "live" && r.Method == http.MethodGet {
		tree, open := s.service.LiveBuffer(segments[4])
		if !open {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "No live buffer for that id", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contents": tree})
		return
	}

	if len(segments) == 6 && segments[5] == "live" && r.Method == http.MethodPut {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body struct {
			Contents content.Tree `json:"contents"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateLiveBuffer(r.Context(), storyID, userID, segments[4], body.Contents); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(segments) == 6 && segments[5] == "history" && r.Method == http.MethodGet {
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		commits, err := s.service.SectionHistory(r.Context(), storyID, segments[4], limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
		return
	}

	if len(segments) == 7 && segments[5] == "history" && r.Method == http.MethodGet {
		section, err := s.service.SectionAt(r.Context(), storyID, segments[4], segments[6])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, section)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleResources(w http.ResponseWriter, r *http.Request, storyID string, segments []string) {
	if r.Method == http.MethodPost && len(segments) == 4 {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body ResourceInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resource, err := s.service.CreateResource(r.Context(), storyID, userID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resource)
		return
	}

	if len(segments) == 5 {
		resourceID := segments[4]
		switch r.Method {
		case http.MethodPut:
			userID, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			var body ResourceInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			resource, err := s.service.UpdateResource(r.Context(), storyID, userID, resourceID, body)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resource)
		case http.MethodDelete:
			userID, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			if err := s.service.DeleteResource(r.Context(), storyID, userID, resourceID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(segments) == 6 && segments[5] == "payload" && r.Method == http.MethodGet {
		url, err := s.service.ResourcePayloadURL(r.Context(), storyID, segments[4])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if len(segments) == 6 && segments[5] == "payload" && r.Method == http.MethodPut {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		contentType := r.Header.Get("Content-Type")
		if err := s.service.StoreResourcePayload(r.Context(), storyID, userID, segments[4], contentType, r.Body, r.ContentLength); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleContextualizations(w http.ResponseWriter, r *http.Request, storyID string, segments []string) {
	if r.Method == http.MethodPost && len(segments) == 4 {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body ContextualizationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		contextualization, err := s.service.CreateContextualization(r.Context(), storyID, userID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, contextualization)
		return
	}

	if r.Method == http.MethodDelete && len(segments) == 5 {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		if err := s.service.DeleteContextualization(r.Context(), storyID, userID, segments[4]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, storyID string, segments []string) {
	if r.Method != http.MethodGet || len(segments) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	format := export.Format(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = export.FormatHTML
	}
	if format != export.FormatHTML && format != export.FormatPDF && format != export.FormatDOCX {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be html, pdf, or docx", nil)
		return
	}
	includeNotes := r.URL.Query().Get("notes") != "0"

	result, err := s.service.ExportStory(r.Context(), storyID, format, includeNotes)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "USER_REQUIRED", "X-User-ID header is required", nil)
		return "", false
	}
	return userID, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, lock.ErrBlockUnavailable) {
		return http.StatusConflict, "BLOCK_UNAVAILABLE", "Block is held by another user", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export dependency not installed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
