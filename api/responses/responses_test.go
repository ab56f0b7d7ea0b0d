package responses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/types"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) types.Envelope {
	t.Helper()
	var body types.Envelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return body
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"hello": "world"})

	if got := w.Code; got != http.StatusOK {
		t.Fatalf("expected status 200 but got %d", got)
	}
	body := decode(t, w)
	if !body.Success {
		t.Fatal("expected success flag")
	}
	if body.Data.(map[string]any)["hello"] != "world" {
		t.Fatalf("unexpected payload %v", body.Data)
	}
	if body.Warnings != nil {
		t.Fatalf("expected no warnings, got %v", body.Warnings)
	}
}

func TestWriteSuccessWithWarnings(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccessWithWarnings(w, http.StatusCreated, map[string]int{"credits": 100}, []string{"verifier log not recorded"})

	if got := w.Code; got != http.StatusCreated {
		t.Fatalf("expected status 201 but got %d", got)
	}
	body := decode(t, w)
	if !body.Success || len(body.Warnings) != 1 {
		t.Fatalf("expected success with one warning, got %+v", body)
	}
}

func TestWriteErrorMapsTypedError(t *testing.T) {
	w := httptest.NewRecorder()
	err := pkgerrors.New(pkgerrors.CodeValidation, "credits must be positive").
		WithDetails(map[string]string{"field": "credits"})
	WriteError(context.Background(), logger.Nop(), w, err)

	if got := w.Code; got != http.StatusBadRequest {
		t.Fatalf("expected status 400 but got %d", got)
	}
	body := decode(t, w)
	if body.Success {
		t.Fatal("expected success=false")
	}
	if body.Code != string(pkgerrors.CodeValidation) || body.Error != "credits must be positive" {
		t.Fatalf("unexpected envelope %+v", body)
	}
	if body.Details == nil {
		t.Fatal("expected details in public payload")
	}
}

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := map[pkgerrors.Code]int{
		pkgerrors.CodeUnauthorized: http.StatusUnauthorized,
		pkgerrors.CodeForbidden:    http.StatusForbidden,
		pkgerrors.CodeNotFound:     http.StatusNotFound,
		pkgerrors.CodeConflict:     http.StatusConflict,
		pkgerrors.CodeRateLimit:    http.StatusTooManyRequests,
		pkgerrors.CodeDependency:   http.StatusServiceUnavailable,
		pkgerrors.CodeStorage:      http.StatusServiceUnavailable,
	}
	for code, status := range cases {
		w := httptest.NewRecorder()
		WriteError(context.Background(), nil, w, pkgerrors.New(code, "x"))
		if w.Code != status {
			t.Fatalf("%s: expected %d, got %d", code, status, w.Code)
		}
	}
}

func TestWriteErrorHidesInternalMessages(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(context.Background(), logger.Nop(), w, pkgerrors.Storage(errors.New("pq: connection refused"), "insert claim"))

	body := decode(t, w)
	if body.Code != string(pkgerrors.CodeStorage) {
		t.Fatalf("unexpected code %s", body.Code)
	}
	if body.Error != "storage unavailable" {
		t.Fatalf("expected public message, got %q", body.Error)
	}
}

func TestWriteErrorDefaultsToInternalForUntrustedErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(context.Background(), nil, w, errors.New("boom"))

	if got := w.Code; got != http.StatusInternalServerError {
		t.Fatalf("expected status 500 but got %d", got)
	}
	body := decode(t, w)
	if body.Code != string(pkgerrors.CodeInternal) {
		t.Fatalf("unexpected code %s", body.Code)
	}
	if body.Details != nil {
		t.Fatal("details should be omitted for internal errors")
	}
}

func TestFailureWrapsNilAndForeignErrors(t *testing.T) {
	status, env := Failure(nil)
	if status != http.StatusInternalServerError || env.Success || env.Error != "internal server error" {
		t.Fatalf("unexpected failure for nil: %d %+v", status, env)
	}

	wrapped := fmt.Errorf("list claims: %w", pkgerrors.New(pkgerrors.CodeNotFound, "claim not found"))
	status, env = Failure(wrapped)
	if status != http.StatusNotFound || env.Error != "claim not found" || env.Message != "resource not found" {
		t.Fatalf("unexpected failure for wrapped error: %d %+v", status, env)
	}
}
