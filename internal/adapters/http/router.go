package httpadapter

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
	"github.com/kirillkom/admissions-assistant/internal/observability/metrics"
)

const (
	metricsService = "api"

	defaultListLimit = 50
	defaultSectionsK = 3
)

type Router struct {
	cfg       config.Config
	submitter ports.ApplicationSubmitter
	reader    ports.ApplicationReader
	handbook  ports.HandbookService
	metrics   *metrics.HTTPServerMetrics
}

func NewRouter(
	cfg config.Config,
	submitter ports.ApplicationSubmitter,
	reader ports.ApplicationReader,
	handbook ports.HandbookService,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	return &Router{
		cfg:       cfg,
		submitter: submitter,
		reader:    reader,
		handbook:  handbook,
		metrics:   httpMetrics,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/applications", rt.applications)
	mux.HandleFunc("/v1/applications/", rt.getApplicationByID)
	mux.HandleFunc("/v1/handbook/initialize", rt.initializeHandbook)
	mux.HandleFunc("/v1/handbook/status", rt.handbookStatus)
	mux.HandleFunc("/v1/handbook/query", rt.queryHandbook)
	mux.HandleFunc("/v1/handbook/sections", rt.findSections)
	mux.HandleFunc("/v1/handbook/criteria", rt.checkCriteria)

	var handler http.Handler = mux
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
		handler = rt.metrics.Middleware(metricsService, handler)
	}

	wait := time.Duration(rt.cfg.APIBackpressureWaitMS) * time.Millisecond
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, wait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) applications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.submitApplication(w, r)
	case http.MethodGet:
		rt.listApplications(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (rt *Router) submitApplication(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(rt.cfg.APIMaxUploadMB) << 20
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload exceeds size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form is required"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'files' is required"})
		return
	}

	files := make([]ports.UploadInput, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read uploaded file " + header.Filename})
			return
		}
		defer func(f multipart.File) { _ = f.Close() }(f)

		files = append(files, ports.UploadInput{
			Filename: header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Body:     f,
		})
	}

	app, err := rt.submitter.Submit(r.Context(), ports.SubmitApplicationRequest{
		ApplicantID:   r.FormValue("applicant_id"),
		TargetProgram: r.FormValue("target_program"),
		Entity:        r.FormValue("entity"),
		Files:         files,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordSubmission(metricsService, app.Entity, len(app.UploadedFiles))
	}

	writeJSON(w, http.StatusAccepted, app)
}

func (rt *Router) listApplications(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = v
	}

	items, err := rt.reader.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []domain.ApplicationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": items})
}

func (rt *Router) getApplicationByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/applications/"), "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "application id is required"})
		return
	}

	app, err := rt.reader.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (rt *Router) initializeHandbook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		ForceReload bool `json:"force_reload"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}

	status, err := rt.handbook.Initialize(r.Context(), req.ForceReload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (rt *Router) handbookStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, rt.handbook.Status())
}

func (rt *Router) queryHandbook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	start := time.Now()
	result, err := rt.handbook.Answer(r.Context(), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRuleQuery(metricsService, "query", len(result.Sources), time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) findSections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Topics []string `json:"topics"`
		K      int      `json:"k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Topics) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "topics are required"})
		return
	}
	if req.K <= 0 {
		req.K = defaultSectionsK
	}

	start := time.Now()
	sections, err := rt.handbook.FindRelevantSections(r.Context(), req.Topics, req.K)
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		total := 0
		for _, chunks := range sections {
			total += len(chunks)
		}
		rt.metrics.RecordRuleQuery(metricsService, "sections", total, time.Since(start))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": sections})
}

func (rt *Router) checkCriteria(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req domain.ApplicantCriteria
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	start := time.Now()
	result, err := rt.handbook.CheckCriteria(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRuleQuery(metricsService, "criteria", len(result.Sources), time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
