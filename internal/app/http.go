package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"funnelsync/api/internal/approval"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/export"
	"funnelsync/api/internal/lease"
	"funnelsync/api/internal/platform"
	"funnelsync/api/internal/reconcile"
	"funnelsync/api/internal/search"
	"funnelsync/api/internal/store"

	"github.com/google/uuid"
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

	if r.Method == http.MethodGet && r.URL.Path == "/api/catalog" {
		writeJSON(w, http.StatusOK, s.service.Catalog())
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "projects" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	projectID := parts[2]

	if parts[3] == "sections" && len(parts) >= 6 {
		s.handleSection(w, r, projectID, parts[4], parts[5:])
		return
	}
	if len(parts) == 4 {
		s.handleProject(w, r, projectID, parts[3])
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, projectID, resource string) {
	ctx := r.Context()
	switch {
	case resource == "approvals" && r.Method == http.MethodGet:
		approvals, err := s.service.GetApprovals(ctx, projectID)
		if err != nil {
			writeMappedError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, approvals)

	case resource == "approvals" && r.Method == http.MethodPut:
		var body approval.Request
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SetApprovals(ctx, projectID, body)
		if err != nil {
			writeMappedError(w, err, result)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case resource == "integration" && r.Method == http.MethodPut:
		var body struct {
			LocationID string `json:"locationId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SaveIntegration(ctx, projectID, strings.TrimSpace(body.LocationID)); err != nil {
			writeMappedError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case resource == "sync-log" && r.Method == http.MethodGet:
		entries, err := s.service.SyncLog(ctx, projectID, queryInt(r, "limit", 50))
		if err != nil {
			writeMappedError(w, err, nil)
			return
		}
		items := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			items = append(items, auditJSON(entry))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case resource == "search" && r.Method == http.MethodGet:
		resp := s.service.Search(ctx, search.Query{
			ProjectID: projectID,
			Text:      strings.TrimSpace(r.URL.Query().Get("q")),
			SectionID: r.URL.Query().Get("section"),
			Limit:     queryInt(r, "limit", 20),
			Offset:    queryInt(r, "offset", 0),
		})
		writeJSON(w, http.StatusOK, resp)

	case resource == "reindex" && r.Method == http.MethodPost:
		count, err := s.service.ReindexProject(ctx, projectID)
		if err != nil {
			writeMappedError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"indexed": count})

	case resource == "history" && r.Method == http.MethodGet:
		commits, err := s.service.History(projectID, queryInt(r, "limit", 50))
		if err != nil {
			writeMappedError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": commits})

	case resource == "export" && r.Method == http.MethodPost:
		s.handleExport(w, r, projectID)

	case resource == "metrics" && r.Method == http.MethodGet:
		metrics, err := s.service.Metrics(ctx, projectID)
		if err != nil {
			writeMappedError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, metrics)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSection(w http.ResponseWriter, r *http.Request, projectID, sectionID string, rest []string) {
	ctx := r.Context()
	action := strings.Join(rest, "/")
	switch {
	case action == "reconcile" && r.Method == http.MethodPost:
		result, err := s.service.Reconcile(ctx, projectID, sectionID)
		if err != nil {
			writeMappedError(w, err, result)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case action == "content" && r.Method == http.MethodPut:
		var doc content.Record
		if err := decodeBody(r, &doc); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SaveSectionContent(ctx, projectID, sectionID, doc)
		if err != nil {
			writeMappedError(w, err, result)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 2 && rest[0] == "fields" && r.Method == http.MethodPut:
		var body struct {
			Value content.Value `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.EditField(ctx, projectID, sectionID, rest[1], body.Value)
		if err != nil {
			writeMappedError(w, err, result.Fold)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"fieldId": result.Field.FieldID,
			"version": result.Field.Version,
			"fold":    result.Fold,
		})

	case action == "upgrade" && r.Method == http.MethodPost:
		result, err := s.service.UpgradeSection(ctx, projectID, sectionID)
		if err != nil {
			writeMappedError(w, err, result)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case action == "generation" && r.Method == http.MethodPost:
		var body struct {
			Cascade bool `json:"cascade"`
			Run     bool `json:"run"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Run {
			result, err := s.service.Regenerate(ctx, projectID, sectionID, body.Cascade)
			if err != nil {
				writeMappedError(w, err, result)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}
		result, err := s.service.BeginGeneration(ctx, projectID, sectionID, body.Cascade)
		if err != nil {
			writeMappedError(w, err, result)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case action == "generation/complete" && r.Method == http.MethodPost:
		var body struct {
			Content content.Record `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CompleteGeneration(ctx, projectID, sectionID, body.Content)
		if err != nil {
			writeMappedError(w, err, result)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case action == "generation" && r.Method == http.MethodDelete:
		released, err := s.service.ReleaseGenerating(ctx, projectID, sectionID)
		if err != nil {
			writeMappedError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"released": released})

	case action == "push" && r.Method == http.MethodPost:
		result, err := s.service.PushSection(ctx, projectID, sectionID)
		if err != nil {
			writeMappedError(w, err, result)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, projectID string) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeMappedError(w, err, nil)
		return
	}
	req := export.Request{
		ProjectID:         projectID,
		Format:            format,
		Title:             r.URL.Query().Get("title"),
		IncludeUnapproved: r.URL.Query().Get("includeUnapproved") == "true",
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("sections")); raw != "" {
		req.Sections = strings.Split(raw, ",")
	}

	result, err := s.service.Export(r.Context(), req)
	if err != nil {
		writeMappedError(w, err, nil)
		return
	}
	header := w.Header()
	header.Set("Content-Type", result.MimeType)
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	if result.Archived != nil {
		header.Set("X-Archive-Key", result.Archived.Key)
		if result.Archived.URL != "" {
			header.Set("X-Archive-URL", result.Archived.URL)
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func auditJSON(entry store.SyncAuditEntry) map[string]any {
	return map[string]any{
		"id":        entry.ID,
		"sectionId": entry.SectionID,
		"pushed":    entry.PushedCount,
		"updated":   entry.UpdatedCount,
		"skipped":   entry.SkippedCount,
		"failed":    entry.FailedCount,
		"success":   entry.Success,
		"error":     entry.Error,
		"createdAt": entry.CreatedAt,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
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

func writeMappedError(w http.ResponseWriter, err error, details any) {
	status, code, message, mappedDetails := mapError(err)
	if mappedDetails == nil {
		mappedDetails = details
	}
	if status >= http.StatusInternalServerError {
		log.Printf("app: %s: %v", code, err)
	}
	writeError(w, status, code, message, mappedDetails)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status, reqErr.Code, reqErr.Message, reqErr.details()
	}
	var statusErr *platform.StatusError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, reconcile.ErrInvalidInput), errors.Is(err, approval.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, approval.ErrGenerating):
		return http.StatusConflict, "ALREADY_GENERATING", err.Error(), nil
	case errors.Is(err, approval.ErrNotGenerating):
		return http.StatusConflict, "NOT_GENERATING", err.Error(), nil
	case errors.Is(err, lease.ErrHeld):
		return http.StatusConflict, "SECTION_BUSY", "Section is being modified, retry shortly", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Section changed concurrently, retry", nil
	case errors.Is(err, export.ErrNothingToExport):
		return http.StatusUnprocessableEntity, "NOTHING_TO_EXPORT", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available", nil
	case errors.Is(err, ErrSyncDisabled), errors.Is(err, ErrNoGenerator):
		return http.StatusServiceUnavailable, "NOT_CONFIGURED", err.Error(), nil
	case errors.As(err, &statusErr):
		return http.StatusBadGateway, "PLATFORM_ERROR", statusErr.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
