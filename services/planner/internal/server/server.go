package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"examprep/internal/metrics"
	"examprep/internal/ratelimit"
	"examprep/internal/util"
	"examprep/pkg/domain"
	"examprep/pkg/store"
	"examprep/services/planner/internal/app"
	"examprep/services/planner/internal/gateway"
)

const userIDHeader = "X-User-Id"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// AuthLimiter and AILimiter are optional; nil disables the limit.
	AuthLimiter        *ratelimit.FixedWindowLimiter
	AILimiter          *ratelimit.FixedWindowLimiter
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
	MaxUploadBytes     int64
	AllowedExtensions  []string
}

// Server exposes the planner HTTP API.
type Server struct {
	app               *app.App
	mux               *http.ServeMux
	authLimiter       *ratelimit.FixedWindowLimiter
	aiLimiter         *ratelimit.FixedWindowLimiter
	trustedProxies    *util.TrustedProxies
	corsOrigins       []string
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	// multipartMemory is held in memory per request; larger parts go to temp files.
	multipartMemory   int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	s := &Server{
		app:               cfg.App,
		mux:               http.NewServeMux(),
		authLimiter:       cfg.AuthLimiter,
		aiLimiter:         cfg.AILimiter,
		trustedProxies:    cfg.TrustedProxies,
		corsOrigins:       cfg.CORSAllowedOrigins,
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		multipartMemory:   32 << 20,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler. Metrics wrap the mux directly so
// the matched pattern is visible to them.
func (s *Server) Router() http.Handler {
	var h http.Handler = metrics.WithHTTPMetrics(s.mux)
	h = util.WithRequestLog(h)
	h = util.WithRequestID(h)
	h = util.WithCORS(s.corsOrigins)(h)
	return util.WithSecurityHeaders(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	// identity
	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.Handle("POST /api/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("GET /api/auth/session", s.authenticated(s.handleSession))

	// documents & analysis
	s.mux.Handle("GET /api/documents", s.authenticated(s.handleListDocuments))
	s.mux.Handle("POST /api/documents", s.authenticated(s.aiLimited(s.handleUploadDocuments)))
	s.mux.Handle("GET /api/documents/{id}", s.authenticated(s.handleGetDocument))
	s.mux.Handle("GET /api/documents/{id}/download", s.authenticated(s.handleDownloadDocument))
	s.mux.Handle("GET /api/documents/{id}/analysis", s.authenticated(s.handleGetAnalysis))
	s.mux.Handle("POST /api/documents/{id}/solutions", s.authenticated(s.aiLimited(s.handleSolve)))

	// plans
	s.mux.Handle("GET /api/plans", s.authenticated(s.handleListPlans))
	s.mux.Handle("GET /api/planner", s.authenticated(s.handlePlannerState))
	s.mux.Handle("POST /api/planner/generate", s.authenticated(s.aiLimited(s.handleGenerate)))
	s.mux.Handle("POST /api/planner/refine", s.authenticated(s.aiLimited(s.handleRefine)))
	s.mux.Handle("POST /api/planner/reset", s.authenticated(s.handleReset))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// session wrappers
type sessionHandler func(http.ResponseWriter, *http.Request, app.Session)

// authenticated resolves the caller from X-User-Id, falling back to the
// persisted current identity.
func (s *Server) authenticated(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			sess app.Session
			err  error
		)
		if id := strings.TrimSpace(r.Header.Get(userIDHeader)); id != "" {
			sess, err = s.app.SessionFor(r.Context(), id)
		} else {
			sess, err = s.app.Resume(r.Context())
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", sess.UserID()))
		next(w, r.WithContext(ctx), sess)
	})
}

func (s *Server) aiLimited(next sessionHandler) sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, sess app.Session) {
		if !s.allowRate(w, r, s.aiLimiter, "ai", sess.UserID(), "too many AI requests") {
			return
		}
		next(w, r, sess)
	}
}

// identity handlers
type emailRequest struct {
	Email string `json:"email"`
}

type sessionResponse struct {
	User domain.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.authLimiter, "register", util.ClientIP(r, s.trustedProxies), "too many signup attempts") {
		return
	}
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.app.Register(r.Context(), req.Email)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{User: sess.User})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.authLimiter, "login", util.ClientIP(r, s.trustedProxies), "too many login attempts") {
		return
	}
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.app.Login(r.Context(), req.Email)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{User: sess.User})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess app.Session) {
	if err := s.app.Logout(r.Context(), sess); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request, sess app.Session) {
	writeJSON(w, http.StatusOK, sessionResponse{User: sess.User})
}

// documents
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, sess app.Session) {
	docs, err := s.app.ListDocuments(r.Context(), sess)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": toDocumentResponses(docs),
		"count": len(docs),
	})
}

// documentResponse is a document as clients see it; the archive key stays
// server side.
type documentResponse struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Filename      string          `json:"filename"`
	FileType      domain.FileType `json:"fileType"`
	ContentType   string          `json:"contentType,omitempty"`
	SizeBytes     int64           `json:"sizeBytes"`
	ExtractedText string          `json:"extractedText"`
	UploadedAt    time.Time       `json:"uploadedAt"`
}

func toDocumentResponse(d domain.UploadedDocument) documentResponse {
	return documentResponse{
		ID:            d.ID,
		UserID:        d.UserID,
		Filename:      d.Filename,
		FileType:      d.FileType,
		ContentType:   d.ContentType,
		SizeBytes:     d.SizeBytes,
		ExtractedText: d.ExtractedText,
		UploadedAt:    d.UploadedAt,
	}
}

func toDocumentResponses(docs []domain.UploadedDocument) []documentResponse {
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentResponse(d))
	}
	return out
}

type ingestResponse struct {
	Documents []documentResponse            `json:"documents"`
	Analysis  *domain.QuestionPaperAnalysis `json:"analysis,omitempty"`
	Error     string                        `json:"error,omitempty"`
}

func (s *Server) handleUploadDocuments(w http.ResponseWriter, r *http.Request, sess app.Session) {
	uploads, ok := s.readUploads(w, r)
	if !ok {
		return
	}
	fileType := domain.FileType(strings.TrimSpace(r.FormValue("fileType")))
	res, err := s.app.IngestPapers(r.Context(), sess, uploads, fileType)
	if err != nil && len(res.Documents) > 0 {
		// Documents were kept; report them next to the failure.
		status, msg := classifyError(r, err)
		writeJSON(w, status, ingestResponse{Documents: toDocumentResponses(res.Documents), Error: msg})
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ingestResponse{Documents: toDocumentResponses(res.Documents), Analysis: res.Analysis})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, sess app.Session) {
	doc, err := s.app.GetDocument(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// handleDownloadDocument returns a pre-signed URL when the archive supports
// it and streams the original otherwise.
func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request, sess app.Session) {
	dl, err := s.app.OpenDocument(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if dl.URL != "" {
		writeJSON(w, http.StatusOK, map[string]string{"url": dl.URL, "filename": dl.Document.Filename})
		return
	}
	defer dl.Body.Close()
	w.Header().Set("Content-Type", dl.Document.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Document.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		util.LoggerFromContext(r.Context()).Warn("download interrupted", "document_id", dl.Document.ID, "err", err)
	}
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request, sess app.Session) {
	analysis, err := s.app.GetAnalysis(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request, sess app.Session) {
	uploads, ok := s.readUploads(w, r)
	if !ok {
		return
	}
	analysis, err := s.app.SolveWithNotes(r.Context(), sess, r.PathValue("id"), uploads)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// plans
func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request, sess app.Session) {
	plans, err := s.app.ListPlans(r.Context(), sess)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": plans,
		"count": len(plans),
	})
}

type plannerRequest struct {
	DocumentID     string `json:"documentId"`
	DaysLeft       int    `json:"daysLeft"`
	KnowledgeLevel string `json:"knowledgeLevel"`
	Difficulty     string `json:"difficulty"`
	Instruction    string `json:"instruction"`
}

type plannerResponse struct {
	Planner app.PlannerState `json:"planner"`
	Applied *bool            `json:"applied,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (s *Server) handlePlannerState(w http.ResponseWriter, r *http.Request, sess app.Session) {
	ps, err := s.app.Planner(r.Context(), sess, r.URL.Query().Get("documentId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plannerResponse{Planner: ps.State()})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, sess app.Session) {
	var req plannerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ps, err := s.app.Planner(r.Context(), sess, req.DocumentID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	st, err := ps.Generate(r.Context(), app.PlanForm{
		DaysLeft:       req.DaysLeft,
		KnowledgeLevel: req.KnowledgeLevel,
		Difficulty:     req.Difficulty,
	})
	if err != nil {
		status, _ := classifyError(r, err)
		writeJSON(w, status, plannerResponse{Planner: st, Error: plannerMessage(st, err)})
		return
	}
	writeJSON(w, http.StatusCreated, plannerResponse{Planner: st})
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request, sess app.Session) {
	var req plannerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ps, err := s.app.Planner(r.Context(), sess, req.DocumentID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	st, applied, err := ps.Refine(r.Context(), req.Instruction)
	if err != nil {
		status, msg := classifyError(r, err)
		writeJSON(w, status, plannerResponse{Planner: st, Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, plannerResponse{Planner: st, Applied: &applied})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sess app.Session) {
	var req plannerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ps, err := s.app.Planner(r.Context(), sess, req.DocumentID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	st, err := ps.Reset()
	if err != nil {
		status, msg := classifyError(r, err)
		writeJSON(w, status, plannerResponse{Planner: st, Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, plannerResponse{Planner: st})
}

// plannerMessage prefers the message the session recorded for the form.
func plannerMessage(st app.PlannerState, err error) string {
	if st.Error != "" {
		return st.Error
	}
	return err.Error()
}

func (s *Server) readUploads(w http.ResponseWriter, r *http.Request) ([]app.Upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return nil, false
	}
	// Uploads are read into memory below; drop any parts spilled to disk.
	defer r.MultipartForm.RemoveAll()
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "file is required (field: files)")
		return nil, false
	}
	uploads := make([]app.Upload, 0, len(headers))
	for _, fh := range headers {
		if !s.isExtensionAllowed(fh.Filename) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s", fh.Filename))
			return nil, false
		}
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return nil, false
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return nil, false
		}
		uploads = append(uploads, app.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return uploads, true
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, scope, key, msg string) bool {
	if limiter == nil {
		return true
	}
	if limiter.Allow(r.Context(), scope, key) {
		return true
	}
	util.LoggerFromContext(r.Context()).Warn("rate limited", "scope", scope, "ip", util.ClientIP(r, s.trustedProxies))
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) isExtensionAllowed(filename string) bool {
	if len(s.allowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := s.allowedExtensions[ext]
	return ok
}

// classifyError maps application errors to a status and a client-safe
// message. Unexpected errors are logged and never echoed.
func classifyError(r *http.Request, err error) (int, string) {
	var (
		notFound   *app.NotFoundError
		validation *app.ValidationError
		generation *gateway.GenerationError
		storageErr *store.StorageError
	)
	switch {
	case errors.Is(err, app.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.As(err, &validation):
		if validation.Conflict {
			return http.StatusConflict, validation.Message
		}
		return http.StatusBadRequest, validation.Error()
	case errors.Is(err, app.ErrBusy):
		return http.StatusConflict, err.Error()
	case errors.Is(err, app.ErrNoPlan), errors.Is(err, app.ErrResetUnavailable):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &generation):
		return http.StatusBadGateway, generationMessage(generation.Op)
	case errors.As(err, &storageErr):
		util.LoggerFromContext(r.Context()).Error("storage failure", "op", storageErr.Op, "key", storageErr.Key, "err", storageErr.Err)
		return http.StatusInternalServerError, "storage unavailable"
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		return http.StatusInternalServerError, "internal error"
	}
}

func generationMessage(op string) string {
	switch op {
	case gateway.OpAnalyze:
		return "AI analysis failed. Check connection and try again."
	case gateway.OpSolve:
		return "AI failed to process notes. Check connection."
	default:
		return "AI generation failed. Try again."
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classifyError(r, err)
	writeError(w, status, msg)
}

func decodeJSON(r *http.Request, out any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 50 * 1024 * 1024
	}
	return value
}

func normalizeExtensions(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
