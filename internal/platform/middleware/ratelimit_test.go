package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRateLimitBlocksAfterBurst(t *testing.T) {
	e := echo.New()
	e.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if do() != http.StatusOK || do() != http.StatusOK {
		t.Fatal("burst requests should pass")
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", code)
	}
}

func TestRateLimitKeyedByTenant(t *testing.T) {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("jwt_tenant_id", c.Request().Header.Get("X-Tenant-ID"))
			return next(c)
		}
	})
	e.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	do := func(tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", tenant)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if do("clinic_a") != http.StatusOK {
		t.Fatal("first clinic_a request should pass")
	}
	if do("clinic_a") != http.StatusTooManyRequests {
		t.Error("second clinic_a request should be limited")
	}
	// A different tenant has its own bucket.
	if do("clinic_b") != http.StatusOK {
		t.Error("clinic_b should not share clinic_a's bucket")
	}
}
