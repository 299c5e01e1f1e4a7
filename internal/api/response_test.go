package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hoztech/whatsflow/internal/models"
)

func TestWriteJSONResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusOK, models.SuccessWithMessage("done", map[string]int{"n": 1}))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json content type, got %q", ct)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != string(models.APIStatusOK) || resp.Message != "done" {
		t.Errorf("unexpected envelope %+v", resp)
	}
}

func TestWriteJSONResponseMarshalFallback(t *testing.T) {
	rec := httptest.NewRecorder()
	// Channels are not JSON-serializable, forcing the marshal error path.
	writeJSONResponse(rec, http.StatusOK, models.Success(make(chan int)))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500 on marshal failure, got %d", rec.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("fallback body must still be valid JSON: %v", err)
	}
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("expected error status in fallback, got %q", resp.Status)
	}
	if resp.Message != "Internal server error" {
		t.Errorf("unexpected fallback message %q", resp.Message)
	}
}
