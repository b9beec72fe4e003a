package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/auth"
)

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var recorded []AuditEntry
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		recorded = append(recorded, entry)
		return nil
	})

	mw := Audit(zerolog.Nop(), recorder)
	if err := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}

	if len(recorded) != 0 {
		t.Errorf("expected no audit entries for /health, got %d", len(recorded))
	}
}

func TestAudit_RecordsAPIAccess(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lab/orders?patient=p-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-abc")

	ctx := context.WithValue(req.Context(), auth.UserIDKey, "clinician-1")
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{"clinician"})
	c.SetRequest(req.WithContext(ctx))

	var recorded []AuditEntry
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		recorded = append(recorded, entry)
		return nil
	})

	mw := Audit(zerolog.Nop(), recorder)
	if err := mw(func(c echo.Context) error {
		return c.JSON(http.StatusCreated, map[string]string{"id": "o-1"})
	})(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}

	if len(recorded) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(recorded))
	}
	entry := recorded[0]
	if entry.UserID != "clinician-1" {
		t.Errorf("expected user clinician-1, got %q", entry.UserID)
	}
	if entry.Action != "create" {
		t.Errorf("expected action create, got %q", entry.Action)
	}
	if entry.Resource != "lab/orders" {
		t.Errorf("expected resource lab/orders, got %q", entry.Resource)
	}
	if entry.PatientRef != "p-1" {
		t.Errorf("expected patient p-1, got %q", entry.PatientRef)
	}
	if entry.RequestID != "req-abc" {
		t.Errorf("expected request_id 'req-abc', got %q", entry.RequestID)
	}
	if entry.StatusCode != http.StatusCreated {
		t.Errorf("expected status 201, got %d", entry.StatusCode)
	}
}

func TestExtractResource(t *testing.T) {
	cases := map[string]string{
		"/api/v1/lab/orders":           "lab/orders",
		"/api/v1/lab/orders/123":       "lab/orders",
		"/api/v1/lab/reports/9/verify": "lab/reports",
		"/api/v1/catalog/tests":        "catalog/tests",
		"/api/v1/other":                "other",
		"/api/v1/":                     "unknown",
	}
	for path, want := range cases {
		if got := extractResource(path); got != want {
			t.Errorf("extractResource(%q) = %q, want %q", path, got, want)
		}
	}
}
