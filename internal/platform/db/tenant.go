package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	// TenantIDKey is the context key holding the resolved clinic identifier.
	TenantIDKey contextKey = "tenant_id"
	// DBConnKey is the context key holding the schema-scoped pooled connection.
	DBConnKey contextKey = "db_conn"
	// DBTxKey is the context key holding an in-flight transaction.
	DBTxKey contextKey = "db_tx"
)

// Schema names come from request input, so they are restricted to a safe
// character set before ever reaching a SET search_path statement.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// TenantMiddleware resolves the clinic (tenant) for each request, acquires a
// connection from the pool, pins its search_path to the clinic schema and
// stores both on the request context. The connection is released when the
// handler returns.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)

			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(400, "invalid tenant identifier")
			}

			ctx := c.Request().Context()

			conn, err := pool.Acquire(ctx)
			if err != nil {
				log.Error().Err(err).Str("tenant", tenantID).Msg("failed to acquire database connection")
				return echo.NewHTTPError(503, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", tenantID)); err != nil {
				log.Error().Err(err).Str("tenant", tenantID).Msg("failed to set search_path")
				return echo.NewHTTPError(500, "tenant schema error")
			}

			ctx = context.WithValue(ctx, TenantIDKey, tenantID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// extractTenantID resolves the clinic identifier in priority order: JWT
// claim, X-Tenant-ID header, tenant query parameter, configured default.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return strings.ToLower(tid)
	}

	if token, ok := c.Get("user").(*jwt.Token); ok && token != nil {
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if tid, ok := claims["tenant_id"].(string); ok && tid != "" {
				return strings.ToLower(tid)
			}
		}
	}

	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return strings.ToLower(tid)
	}

	if tid := c.QueryParam("tenant"); tid != "" {
		return strings.ToLower(tid)
	}

	return defaultTenant
}

// ConnFromContext retrieves the schema-scoped connection placed on the
// context by TenantMiddleware, or nil outside a request.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// TxFromContext retrieves an in-flight transaction from context, or nil.
// Repositories route their queries through it so multi-statement operations
// commit atomically.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx runs fn inside a transaction started on the request's tenant
// connection (or the pool outside a request). The transaction is stored on
// the context passed to fn; any error rolls back.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		// Already inside a transaction.
		return fn(ctx)
	}

	var begin interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	} = pool
	if conn := ConnFromContext(ctx); conn != nil {
		begin = conn
	}

	tx, err := begin.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateTenantSchema creates the schema for a new clinic and runs all
// migrations against it. If migrationsDir is empty, migrations are skipped.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrationsDir string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", tenantID)); err != nil {
		return fmt.Errorf("create schema %s: %w", tenantID, err)
	}

	if migrationsDir == "" {
		return nil
	}

	applied, err := NewMigrator(pool, migrationsDir).Up(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("migrate schema %s: %w", tenantID, err)
	}

	log.Info().Str("tenant", tenantID).Int("migrations", applied).Msg("tenant schema ready")
	return nil
}
