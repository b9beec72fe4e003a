package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor(t, "/api/v1/lab/orders")
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestFromContext_Explicit(t *testing.T) {
	p := paramsFor(t, "/api/v1/lab/orders?limit=50&offset=10")
	if p.Limit != 50 || p.Offset != 10 {
		t.Errorf("expected limit=50 offset=10, got %+v", p)
	}
}

func TestFromContext_ClampsLimit(t *testing.T) {
	p := paramsFor(t, "/api/v1/lab/orders?limit=9999")
	if p.Limit != MaxLimit {
		t.Errorf("expected clamped limit %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeValues(t *testing.T) {
	p := paramsFor(t, "/api/v1/lab/orders?limit=-5&offset=-1")
	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Errorf("expected defaults for negative values, got %+v", p)
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 10, 2, 0)
	if !resp.HasMore {
		t.Error("expected HasMore with 10 total and page of 2")
	}

	resp = NewResponse([]string{"a", "b"}, 2, 2, 0)
	if resp.HasMore {
		t.Error("expected HasMore false when page covers total")
	}
}

func TestParams_NextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if got := p.NextOffset(); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
	if !p.HasNext(100) {
		t.Error("expected HasNext with total 100")
	}
	if p.HasNext(60) {
		t.Error("expected no next page at total 60")
	}
}
