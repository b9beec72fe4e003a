package lab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// pgOrderRepository stores lab orders in lab_order plus lab_order_test.
type pgOrderRepository struct {
	pool *pgxpool.Pool
}

func NewPgOrderRepository(pool *pgxpool.Pool) OrderRepository {
	return &pgOrderRepository{pool: pool}
}

func (r *pgOrderRepository) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const orderCols = `id, patient_ref, requesting_clinician_ref, notes, status, version_id, created_at, updated_at`

func scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.PatientRef, &o.RequestingClinicianRef, &o.Notes,
		&o.Status, &o.VersionID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *pgOrderRepository) Create(ctx context.Context, o *LabOrder) error {
	q := r.conn(ctx)
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	o.VersionID = 1

	_, err := q.Exec(ctx, `
		INSERT INTO lab_order (id, patient_ref, requesting_clinician_ref, notes, status, version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.PatientRef, o.RequestingClinicianRef, o.Notes, o.Status, o.VersionID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lab_order: %w", err)
	}
	return r.insertTests(ctx, q, o)
}

func (r *pgOrderRepository) insertTests(ctx context.Context, q queryable, o *LabOrder) error {
	for i, t := range o.Tests {
		_, err := q.Exec(ctx, `
			INSERT INTO lab_order_test (order_id, position, test_code, test_name, sub_status)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, i, t.Code, t.Name, t.SubStatus)
		if err != nil {
			return fmt.Errorf("insert lab_order_test %s: %w", t.Code, err)
		}
	}
	return nil
}

func (r *pgOrderRepository) loadTests(ctx context.Context, q queryable, o *LabOrder) error {
	rows, err := q.Query(ctx, `
		SELECT test_code, test_name, sub_status FROM lab_order_test
		WHERE order_id = $1 ORDER BY position`, o.ID)
	if err != nil {
		return fmt.Errorf("query lab_order_test: %w", err)
	}
	defer rows.Close()

	o.Tests = nil
	for rows.Next() {
		var t OrderedTest
		if err := rows.Scan(&t.Code, &t.Name, &t.SubStatus); err != nil {
			return err
		}
		o.Tests = append(o.Tests, t)
	}
	return rows.Err()
}

func (r *pgOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	q := r.conn(ctx)
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadTests(ctx, q, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Update rewrites the aggregate guarded by version_id. The test rows are
// replaced wholesale; callers run this inside db.WithTx so a CAS miss
// leaves nothing half-written.
func (r *pgOrderRepository) Update(ctx context.Context, o *LabOrder) error {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE lab_order SET notes = $1, status = $2, version_id = version_id + 1, updated_at = $3
		WHERE id = $4 AND version_id = $5`,
		o.Notes, o.Status, time.Now().UTC(), o.ID, o.VersionID)
	if err != nil {
		return fmt.Errorf("update lab_order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrStaleVersion
	}
	if _, err := q.Exec(ctx, `DELETE FROM lab_order_test WHERE order_id = $1`, o.ID); err != nil {
		return fmt.Errorf("clear lab_order_test: %w", err)
	}
	if err := r.insertTests(ctx, q, o); err != nil {
		return err
	}
	o.VersionID++
	return nil
}

func (r *pgOrderRepository) List(ctx context.Context, filter OrderFilter, limit, offset int) ([]*LabOrder, int, error) {
	q := r.conn(ctx)

	where := "WHERE 1=1"
	args := []any{}
	idx := 1
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.PatientRef != nil {
		where += fmt.Sprintf(" AND patient_ref = $%d", idx)
		args = append(args, *filter.PatientRef)
		idx++
	}
	if filter.ClinicianRef != nil {
		where += fmt.Sprintf(" AND requesting_clinician_ref = $%d", idx)
		args = append(args, *filter.ClinicianRef)
		idx++
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM lab_order `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lab_order: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM lab_order %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		orderCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query lab_order: %w", err)
	}
	defer rows.Close()

	var orders []*LabOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, o := range orders {
		if err := r.loadTests(ctx, q, o); err != nil {
			return nil, 0, err
		}
	}
	return orders, total, nil
}

// pgReportRepository stores lab reports in lab_report plus lab_report_result.
type pgReportRepository struct {
	pool *pgxpool.Pool
}

func NewPgReportRepository(pool *pgxpool.Pool) ReportRepository {
	return &pgReportRepository{pool: pool}
}

func (r *pgReportRepository) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const reportCols = `id, order_ref, patient_ref, findings, notes, performed_by_ref, status,
	verified_by_ref, verification_notes, version_id, created_at, verified_at`

func scanReport(row pgx.Row) (*LabReport, error) {
	var rep LabReport
	err := row.Scan(&rep.ID, &rep.OrderRef, &rep.PatientRef, &rep.Findings, &rep.Notes,
		&rep.PerformedByRef, &rep.Status, &rep.VerifiedByRef, &rep.VerificationNotes,
		&rep.VersionID, &rep.CreatedAt, &rep.VerifiedAt)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *pgReportRepository) Create(ctx context.Context, rep *LabReport) error {
	q := r.conn(ctx)
	rep.CreatedAt = time.Now().UTC()
	rep.VersionID = 1

	_, err := q.Exec(ctx, `
		INSERT INTO lab_report (id, order_ref, patient_ref, findings, notes, performed_by_ref, status,
			verified_by_ref, verification_notes, version_id, created_at, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rep.ID, rep.OrderRef, rep.PatientRef, rep.Findings, rep.Notes, rep.PerformedByRef, rep.Status,
		rep.VerifiedByRef, rep.VerificationNotes, rep.VersionID, rep.CreatedAt, rep.VerifiedAt)
	if err != nil {
		return fmt.Errorf("insert lab_report: %w", err)
	}
	return r.insertResults(ctx, q, rep)
}

func (r *pgReportRepository) insertResults(ctx context.Context, q queryable, rep *LabReport) error {
	for i, e := range rep.Results {
		rangeJSON, err := json.Marshal(e.ReferenceRange)
		if err != nil {
			return fmt.Errorf("marshal reference range for %s: %w", e.TestCode, err)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO lab_report_result (report_id, position, test_code, result, numeric_value, unit,
				reference_range, abnormal_flag, unclassified, flag_override, override_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rep.ID, i, e.TestCode, e.Result, e.Numeric, e.Unit,
			rangeJSON, e.AbnormalFlag, e.Unclassified, e.FlagOverride, e.OverrideReason)
		if err != nil {
			return fmt.Errorf("insert lab_report_result %s: %w", e.TestCode, err)
		}
	}
	return nil
}

func (r *pgReportRepository) loadResults(ctx context.Context, q queryable, rep *LabReport) error {
	rows, err := q.Query(ctx, `
		SELECT test_code, result, numeric_value, unit, reference_range, abnormal_flag,
			unclassified, flag_override, override_reason
		FROM lab_report_result WHERE report_id = $1 ORDER BY position`, rep.ID)
	if err != nil {
		return fmt.Errorf("query lab_report_result: %w", err)
	}
	defer rows.Close()

	rep.Results = nil
	for rows.Next() {
		var e ResultEntry
		var rangeJSON []byte
		err := rows.Scan(&e.TestCode, &e.Result, &e.Numeric, &e.Unit, &rangeJSON,
			&e.AbnormalFlag, &e.Unclassified, &e.FlagOverride, &e.OverrideReason)
		if err != nil {
			return err
		}
		if len(rangeJSON) > 0 {
			if err := json.Unmarshal(rangeJSON, &e.ReferenceRange); err != nil {
				return fmt.Errorf("unmarshal reference range for %s: %w", e.TestCode, err)
			}
		}
		rep.Results = append(rep.Results, e)
	}
	return rows.Err()
}

func (r *pgReportRepository) GetByID(ctx context.Context, id uuid.UUID) (*LabReport, error) {
	q := r.conn(ctx)
	rep, err := scanReport(q.QueryRow(ctx, `SELECT `+reportCols+` FROM lab_report WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadResults(ctx, q, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *pgReportRepository) Update(ctx context.Context, rep *LabReport) error {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE lab_report SET findings = $1, notes = $2, status = $3, verified_by_ref = $4,
			verification_notes = $5, verified_at = $6, version_id = version_id + 1
		WHERE id = $7 AND version_id = $8`,
		rep.Findings, rep.Notes, rep.Status, rep.VerifiedByRef,
		rep.VerificationNotes, rep.VerifiedAt, rep.ID, rep.VersionID)
	if err != nil {
		return fmt.Errorf("update lab_report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrStaleVersion
	}
	if _, err := q.Exec(ctx, `DELETE FROM lab_report_result WHERE report_id = $1`, rep.ID); err != nil {
		return fmt.Errorf("clear lab_report_result: %w", err)
	}
	if err := r.insertResults(ctx, q, rep); err != nil {
		return err
	}
	rep.VersionID++
	return nil
}

func (r *pgReportRepository) List(ctx context.Context, filter ReportFilter, limit, offset int) ([]*LabReport, int, error) {
	q := r.conn(ctx)

	where := "WHERE 1=1"
	args := []any{}
	idx := 1
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.PatientRef != nil {
		where += fmt.Sprintf(" AND patient_ref = $%d", idx)
		args = append(args, *filter.PatientRef)
		idx++
	}
	if filter.PerformerRef != nil {
		where += fmt.Sprintf(" AND performed_by_ref = $%d", idx)
		args = append(args, *filter.PerformerRef)
		idx++
	}
	if filter.OrderRef != nil {
		where += fmt.Sprintf(" AND order_ref = $%d", idx)
		args = append(args, *filter.OrderRef)
		idx++
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM lab_report `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lab_report: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM lab_report %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		reportCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query lab_report: %w", err)
	}
	defer rows.Close()

	var reports []*LabReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, rep := range reports {
		if err := r.loadResults(ctx, q, rep); err != nil {
			return nil, 0, err
		}
	}
	return reports, total, nil
}

// pgHistoryRepository appends to the status_history ledger.
type pgHistoryRepository struct {
	pool *pgxpool.Pool
}

func NewPgHistoryRepository(pool *pgxpool.Pool) HistoryRepository {
	return &pgHistoryRepository{pool: pool}
}

func (r *pgHistoryRepository) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *pgHistoryRepository) Record(ctx context.Context, h *StatusHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.ChangedAt.IsZero() {
		h.ChangedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO status_history (id, resource_type, resource_id, from_status, to_status, changed_by, reason, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.ResourceType, h.ResourceID, h.FromStatus, h.ToStatus, h.ChangedBy, h.Reason, h.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert status_history: %w", err)
	}
	return nil
}

func (r *pgHistoryRepository) ListByResource(ctx context.Context, resourceType string, resourceID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, resource_type, resource_id, from_status, to_status, changed_by, reason, changed_at
		FROM status_history WHERE resource_type = $1 AND resource_id = $2 ORDER BY changed_at`,
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query status_history: %w", err)
	}
	defer rows.Close()

	var entries []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		err := rows.Scan(&h.ID, &h.ResourceType, &h.ResourceID, &h.FromStatus, &h.ToStatus,
			&h.ChangedBy, &h.Reason, &h.ChangedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}
