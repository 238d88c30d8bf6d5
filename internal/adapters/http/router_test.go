package httpadapter

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/observability/metrics"
)

func TestHealthz(t *testing.T) {
	handler := newTestHandler(config.Config{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func newMultipartSubmission(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("write field %s: %v", name, err)
		}
	}
	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := io.Copy(part, strings.NewReader(content)); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestSubmitApplicationAcceptsMultipart(t *testing.T) {
	submitter := &submitterFake{}
	httpMetrics := metrics.NewHTTPServerMetrics("api")
	handler := NewRouter(config.Config{}, submitter, &readerFake{}, &handbookFake{}, httpMetrics).Handler()

	body, contentType := newMultipartSubmission(t,
		map[string]string{"applicant_id": "stu-7", "target_program": "Computer Science", "entity": "de"},
		map[string]string{"transcript.txt": "Final grade 1.7"},
	)
	req := httptest.NewRequest(http.MethodPost, "/v1/applications", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if submitter.got.ApplicantID != "stu-7" || submitter.got.Entity != "de" {
		t.Fatalf("form values not forwarded: %+v", submitter.got)
	}
	if len(submitter.body) != 1 || submitter.body[0] != "Final grade 1.7" {
		t.Fatalf("unexpected file bodies: %v", submitter.body)
	}

	var app domain.ApplicationRecord
	if err := json.NewDecoder(res.Body).Decode(&app); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if app.ID != "app-1" || app.CurrentStage != domain.StageCreated {
		t.Fatalf("unexpected application: %+v", app)
	}

	scrape := httptest.NewRecorder()
	handler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), `admissions_intake_applications_total{entity="DE",service="api"} 1`) {
		t.Fatalf("submission not recorded in metrics:\n%s", scrape.Body.String())
	}
}

func TestSubmitApplicationRequiresFiles(t *testing.T) {
	handler := newTestHandler(config.Config{})

	body, contentType := newMultipartSubmission(t, map[string]string{"applicant_id": "stu-7"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/applications", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestSubmitApplicationRejectsOversizedUpload(t *testing.T) {
	handler := newTestHandler(config.Config{APIMaxUploadMB: 1})

	body, contentType := newMultipartSubmission(t, nil, map[string]string{"big.txt": strings.Repeat("x", 2<<20)})
	req := httptest.NewRequest(http.MethodPost, "/v1/applications", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}

func TestListApplicationsParsesLimit(t *testing.T) {
	reader := &readerFake{}
	handler := NewRouter(config.Config{}, &submitterFake{}, reader, &handbookFake{}, nil).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/applications?limit=5", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if reader.lastLimit != 5 {
		t.Fatalf("expected limit 5, got %d", reader.lastLimit)
	}

	bad := httptest.NewRecorder()
	handler.ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/v1/applications?limit=abc", nil))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", bad.Code)
	}
}

func TestInitializeHandbookForwardsForceReload(t *testing.T) {
	hb := &handbookFake{}
	handler := NewRouter(config.Config{}, &submitterFake{}, &readerFake{}, hb, nil).Handler()

	res := postJSON(t, handler, "/v1/handbook/initialize", map[string]any{"force_reload": true})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !hb.forceReload {
		t.Fatalf("force_reload not forwarded")
	}

	var status domain.IndexStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Ready || status.Chunks != 12 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestFindSectionsDefaultsK(t *testing.T) {
	hb := &handbookFake{}
	handler := NewRouter(config.Config{}, &submitterFake{}, &readerFake{}, hb, nil).Handler()

	res := postJSON(t, handler, "/v1/handbook/sections", map[string]any{"topics": []string{"deadlines", "fees"}})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if hb.k != defaultSectionsK || len(hb.topics) != 2 {
		t.Fatalf("unexpected forwarding: k=%d topics=%v", hb.k, hb.topics)
	}

	var payload struct {
		Sections map[string][]domain.ScoredChunk `json:"sections"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode sections: %v", err)
	}
	if len(payload.Sections["fees"]) != 1 {
		t.Fatalf("expected one chunk for fees, got %+v", payload.Sections)
	}

	empty := postJSON(t, handler, "/v1/handbook/sections", map[string]any{"topics": []string{}})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty topics, got %d", empty.Code)
	}
}

func TestHandbookQueryRecordsMetrics(t *testing.T) {
	httpMetrics := metrics.NewHTTPServerMetrics("api")
	handler := NewRouter(config.Config{}, &submitterFake{}, &readerFake{}, &handbookFake{}, httpMetrics).Handler()

	res := postJSON(t, handler, "/v1/handbook/query", map[string]any{"question": "Is an Abitur required?"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	scrape := httptest.NewRecorder()
	handler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), `admissions_handbook_queries_total{endpoint="query",service="api"} 1`) {
		t.Fatalf("rule query not recorded:\n%s", scrape.Body.String())
	}
}
