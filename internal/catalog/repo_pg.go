package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type testDefinitionRepoPG struct{ pool *pgxpool.Pool }

func NewTestDefinitionRepoPG(pool *pgxpool.Pool) TestDefinitionRepository {
	return &testDefinitionRepoPG{pool: pool}
}

func (r *testDefinitionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const testDefinitionCols = `code, name, category, unit, reference_range, active, version_id, created_at, updated_at`

func (r *testDefinitionRepoPG) scanTestDefinition(row pgx.Row) (*TestDefinition, error) {
	var t TestDefinition
	var rangeJSON []byte
	err := row.Scan(&t.Code, &t.Name, &t.Category, &t.Unit, &rangeJSON,
		&t.Active, &t.VersionID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(rangeJSON) > 0 {
		if err := json.Unmarshal(rangeJSON, &t.ReferenceRange); err != nil {
			return nil, fmt.Errorf("decode reference range for %s: %w", t.Code, err)
		}
	}
	return &t, nil
}

func (r *testDefinitionRepoPG) Create(ctx context.Context, t *TestDefinition) error {
	rangeJSON, err := json.Marshal(t.ReferenceRange)
	if err != nil {
		return fmt.Errorf("encode reference range: %w", err)
	}
	t.VersionID = 1
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO test_definition (code, name, category, unit, reference_range, active, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.Code, t.Name, t.Category, t.Unit, rangeJSON, t.Active, t.VersionID)
	return err
}

func (r *testDefinitionRepoPG) GetByCode(ctx context.Context, code string) (*TestDefinition, error) {
	return r.scanTestDefinition(r.conn(ctx).QueryRow(ctx,
		`SELECT `+testDefinitionCols+` FROM test_definition WHERE code = $1`, code))
}

// Update persists catalog edits with a compare-and-set on version_id so two
// concurrent admin edits cannot silently overwrite each other.
func (r *testDefinitionRepoPG) Update(ctx context.Context, t *TestDefinition) error {
	rangeJSON, err := json.Marshal(t.ReferenceRange)
	if err != nil {
		return fmt.Errorf("encode reference range: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE test_definition
		SET name=$2, category=$3, unit=$4, reference_range=$5, active=$6,
			version_id=version_id+1, updated_at=NOW()
		WHERE code = $1 AND version_id = $7`,
		t.Code, t.Name, t.Category, t.Unit, rangeJSON, t.Active, t.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrStaleVersion
	}
	t.VersionID++
	return nil
}

func (r *testDefinitionRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error) {
	where := ``
	if activeOnly {
		where = ` WHERE active`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM test_definition`+where).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+testDefinitionCols+` FROM test_definition`+where+` ORDER BY code LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*TestDefinition
	for rows.Next() {
		t, err := r.scanTestDefinition(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}
