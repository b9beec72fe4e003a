package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newEchoContext(t *testing.T, headers map[string]string, query string) echo.Context {
	t.Helper()
	e := echo.New()
	target := "/"
	if query != "" {
		target += "?" + query
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestExtractTenantID_Header(t *testing.T) {
	c := newEchoContext(t, map[string]string{"X-Tenant-ID": "Clinic_A"}, "")
	if got := extractTenantID(c, "default"); got != "clinic_a" {
		t.Errorf("expected clinic_a, got %q", got)
	}
}

func TestExtractTenantID_QueryParam(t *testing.T) {
	c := newEchoContext(t, nil, "tenant=clinic_b")
	if got := extractTenantID(c, "default"); got != "clinic_b" {
		t.Errorf("expected clinic_b, got %q", got)
	}
}

func TestExtractTenantID_JWTClaimWins(t *testing.T) {
	c := newEchoContext(t, map[string]string{"X-Tenant-ID": "clinic_header"}, "")
	c.Set("jwt_tenant_id", "clinic_jwt")
	if got := extractTenantID(c, "default"); got != "clinic_jwt" {
		t.Errorf("expected jwt claim to take priority, got %q", got)
	}
}

func TestExtractTenantID_Default(t *testing.T) {
	c := newEchoContext(t, nil, "")
	if got := extractTenantID(c, "default"); got != "default" {
		t.Errorf("expected default, got %q", got)
	}
}

func TestConnFromContext_Empty(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Error("expected nil connection outside a request")
	}
}

func TestTenantFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, "clinic_a")
	if got := TenantFromContext(ctx); got != "clinic_a" {
		t.Errorf("expected clinic_a, got %q", got)
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestTenantFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, 12345)
	if tid := TenantFromContext(ctx); tid != "" {
		t.Errorf("expected empty string when context value is wrong type, got %q", tid)
	}
}

func TestCreateTenantSchema_RejectsInvalidName(t *testing.T) {
	err := CreateTenantSchema(context.Background(), nil, "bad; DROP SCHEMA", "")
	if err == nil {
		t.Fatal("expected error for invalid tenant identifier")
	}
}
