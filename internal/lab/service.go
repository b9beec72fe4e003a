package lab

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/catalog"
	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/platform/events"
)

// CatalogReader is the slice of the test catalog the workflow needs.
// *catalog.Service satisfies it.
type CatalogReader interface {
	GetTestDefinition(ctx context.Context, code string) (*catalog.TestDefinition, error)
}

// Publisher emits workflow events. *events.Bus satisfies it.
type Publisher interface {
	Publish(event events.Event)
}

// Service is the workflow façade over orders, reports and verification.
// Every operation checks the authorization policy first, then loads current
// persisted state and writes it back under compare-and-swap.
type Service struct {
	orders     OrderRepository
	reports    ReportRepository
	history    HistoryRepository
	catalog    CatalogReader
	classifier Classifier
	policy     Policy
	bus        Publisher
	pool       *pgxpool.Pool

	runTx func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewService(orders OrderRepository, reports ReportRepository, history HistoryRepository,
	cat CatalogReader, classifier Classifier, policy Policy, bus Publisher, pool *pgxpool.Pool) *Service {
	s := &Service{
		orders:     orders,
		reports:    reports,
		history:    history,
		catalog:    cat,
		classifier: classifier,
		policy:     policy,
		bus:        bus,
		pool:       pool,
	}
	s.runTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
		if s.pool == nil {
			return fn(ctx)
		}
		return db.WithTx(ctx, s.pool, fn)
	}
	return s
}

// withTx runs fn inside a transaction when a pool is configured. Unit tests
// with in-memory repositories run fn directly.
func (s *Service) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.runTx(ctx, fn)
}

// eventBuffer collects events raised while a transaction is open. They are
// published only after the transaction commits, so a rollback never leaks
// an event for a transition that was not persisted.
type eventBuffer struct {
	pending []events.Event
}

func (b *eventBuffer) add(e events.Event) {
	b.pending = append(b.pending, e)
}

func (s *Service) flush(b *eventBuffer) {
	if s.bus == nil {
		return
	}
	for _, e := range b.pending {
		s.bus.Publish(e)
	}
}

func (s *Service) authorize(actor Actor, action Action) error {
	if !s.policy.CanPerform(actor.Role, action) {
		return newError(KindAuthorization, "forbidden", "role %q may not perform %s", actor.Role, action)
	}
	return nil
}

func orderStatusEvent(ctx context.Context, o *LabOrder, from OrderStatus, reason string, actor Actor) events.Event {
	return events.Event{
		Type:       events.TypeOrderStatusChanged,
		Tenant:     db.TenantFromContext(ctx),
		OrderID:    o.ID,
		PatientRef: o.PatientRef.String(),
		FromStatus: string(from),
		ToStatus:   string(o.Status),
		Reason:     reason,
		ActorRef:   actor.ID.String(),
	}
}

func (s *Service) recordOrderTransition(ctx context.Context, o *LabOrder, from OrderStatus, actor Actor, reason *string) error {
	return s.history.Record(ctx, &StatusHistory{
		ResourceType: ResourceOrder,
		ResourceID:   o.ID,
		FromStatus:   string(from),
		ToStatus:     string(o.Status),
		ChangedBy:    actor.ID,
		Reason:       reason,
	})
}

func (s *Service) recordReportTransition(ctx context.Context, r *LabReport, from ReportStatus, actor Actor, reason *string) error {
	return s.history.Record(ctx, &StatusHistory{
		ResourceType: ResourceReport,
		ResourceID:   r.ID,
		FromStatus:   string(from),
		ToStatus:     string(r.Status),
		ChangedBy:    actor.ID,
		Reason:       reason,
	})
}

// CreateOrder validates the requested panel against the catalog, snapshots
// test names and persists a pending order.
func (s *Service) CreateOrder(ctx context.Context, actor Actor, patientRef uuid.UUID, tests []TestRequest, notes *string) (*LabOrder, error) {
	if err := s.authorize(actor, ActionOrderCreate); err != nil {
		return nil, err
	}
	if len(tests) == 0 {
		return nil, ErrEmptyPanel
	}

	order := &LabOrder{
		ID:                     uuid.New(),
		PatientRef:             patientRef,
		RequestingClinicianRef: actor.ID,
		Notes:                  notes,
		Status:                 OrderStatusPending,
	}
	seen := make(map[string]bool)
	for _, req := range tests {
		def, err := s.catalog.GetTestDefinition(ctx, req.Code)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, newError(KindValidation, "invalid_test_code", "test code %q is not in the catalog", req.Code)
			}
			return nil, newError(KindDependency, "catalog_unavailable", "test catalog lookup failed: %v", err)
		}
		if !def.Active {
			return nil, newError(KindValidation, "invalid_test_code", "test code %q is retired", req.Code)
		}
		if seen[def.Code] {
			return nil, newError(KindValidation, "invalid_test_code", "test code %q requested twice", req.Code)
		}
		seen[def.Code] = true
		order.Tests = append(order.Tests, OrderedTest{
			Code:      def.Code,
			Name:      def.Name,
			SubStatus: TestSubStatusOrdered,
		})
	}

	err := s.withTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, order); err != nil {
			return err
		}
		return s.recordOrderTransition(ctx, order, "", actor, nil)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// StartTest marks a single test in-progress. The first start moves the
// order out of pending. Restarting an in-progress test is a no-op so
// retried requests stay safe.
func (s *Service) StartTest(ctx context.Context, actor Actor, orderID uuid.UUID, code string) (*LabOrder, error) {
	if err := s.authorize(actor, ActionOrderStart); err != nil {
		return nil, err
	}

	var order *LabOrder
	buf := &eventBuffer{}
	err := s.withTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetByID(ctx, orderID)
		if err != nil {
			return translateNotFound(err, ErrOrderNotFound)
		}
		if order.Status.IsTerminal() {
			return newError(KindStateConflict, "order_terminal", "order %s is %s", order.ID, order.Status)
		}
		test := order.Test(code)
		if test == nil {
			return newError(KindValidation, "unknown_test", "test %q is not part of order %s", code, order.ID)
		}
		switch test.SubStatus {
		case TestSubStatusInProgress:
			return nil
		case TestSubStatusOrdered:
		default:
			return newError(KindStateConflict, "order_terminal", "test %q is already %s", code, test.SubStatus)
		}

		test.SubStatus = TestSubStatusInProgress
		from := order.Status
		if next := order.DeriveStatus(); next != order.Status && order.Status.CanTransition(next) {
			order.Status = next
		}
		if err := s.orders.Update(ctx, order); err != nil {
			return translateStale(err)
		}
		if order.Status != from {
			if err := s.recordOrderTransition(ctx, order, from, actor, nil); err != nil {
				return err
			}
			buf.add(orderStatusEvent(ctx, order, from, "test started", actor))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(buf)
	return order, nil
}

// CancelOrder cancels a non-terminal order. Uncompleted tests are
// cancelled; completed results and their reports are untouched.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, orderID uuid.UUID, reason string) (*LabOrder, error) {
	if err := s.authorize(actor, ActionOrderCancel); err != nil {
		return nil, err
	}

	var order *LabOrder
	buf := &eventBuffer{}
	err := s.withTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetByID(ctx, orderID)
		if err != nil {
			return translateNotFound(err, ErrOrderNotFound)
		}
		if order.Status.IsTerminal() {
			return newError(KindStateConflict, "order_terminal", "order %s is already %s", order.ID, order.Status)
		}
		for i := range order.Tests {
			if !order.Tests[i].SubStatus.IsTerminal() {
				order.Tests[i].SubStatus = TestSubStatusCancelled
			}
		}
		from := order.Status
		order.Status = OrderStatusCancelled
		if err := s.orders.Update(ctx, order); err != nil {
			return translateStale(err)
		}
		r := reason
		if err := s.recordOrderTransition(ctx, order, from, actor, &r); err != nil {
			return err
		}
		buf.add(orderStatusEvent(ctx, order, from, reason, actor))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(buf)
	return order, nil
}

// completeOrderIfReady moves the order to completed once every test is
// terminal with at least one completed. Idempotent; called after result
// entry inside the same transaction.
func (s *Service) completeOrderIfReady(ctx context.Context, order *LabOrder, actor Actor, buf *eventBuffer) error {
	if order.Status.IsTerminal() {
		return nil
	}
	next := order.DeriveStatus()
	if next != OrderStatusCompleted || !order.Status.CanTransition(next) {
		return nil
	}
	from := order.Status
	order.Status = next
	if err := s.orders.Update(ctx, order); err != nil {
		return translateStale(err)
	}
	if err := s.recordOrderTransition(ctx, order, from, actor, nil); err != nil {
		return err
	}
	buf.add(orderStatusEvent(ctx, order, from, "all tests resulted", actor))
	return nil
}

// classifyEntry builds a stored result entry from raw intake. The flag is
// always recomputed here; a caller-supplied flag survives only as an
// explicit override annotation.
func (s *Service) classifyEntry(in ResultEntry, rng catalog.ReferenceRange, unit *string) ResultEntry {
	flag, unclassified := s.classifier.Classify(in.Result, rng)
	return ResultEntry{
		TestCode:       in.TestCode,
		Result:         in.Result,
		Numeric:        ParseNumeric(in.Result, rng),
		Unit:           unit,
		ReferenceRange: rng,
		AbnormalFlag:   flag,
		Unclassified:   unclassified,
		FlagOverride:   in.FlagOverride,
		OverrideReason: in.OverrideReason,
	}
}

func (s *Service) emitAbnormal(ctx context.Context, rep *LabReport, e ResultEntry, actor Actor) {
	if s.bus == nil || !e.AbnormalFlag.IsAbnormal() {
		return
	}
	var orderID uuid.UUID
	if rep.OrderRef != nil {
		orderID = *rep.OrderRef
	}
	id := rep.ID
	s.bus.Publish(events.Event{
		Type:         events.TypeAbnormalResultDetected,
		Tenant:       db.TenantFromContext(ctx),
		OrderID:      orderID,
		ReportID:     &id,
		PatientRef:   rep.PatientRef.String(),
		TestCode:     e.TestCode,
		Result:       e.Result,
		AbnormalFlag: string(e.AbnormalFlag),
		ActorRef:     actor.ID.String(),
	})
}

// CreateReport captures results, classifies every entry and links the
// report to its order when one is given. A full panel completes the report
// and the order in the same transaction.
func (s *Service) CreateReport(ctx context.Context, actor Actor, orderRef *uuid.UUID, patientRef uuid.UUID,
	entries []ResultEntry, findings, notes *string) (*LabReport, error) {
	if err := s.authorize(actor, ActionReportCreate); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, newError(KindValidation, "empty_panel", "report must contain at least one result")
	}

	rep := &LabReport{
		ID:             uuid.New(),
		OrderRef:       orderRef,
		PatientRef:     patientRef,
		Findings:       findings,
		Notes:          notes,
		PerformedByRef: actor.ID,
		Status:         ReportStatusPending,
	}

	buf := &eventBuffer{}
	err := s.withTx(ctx, func(ctx context.Context) error {
		var order *LabOrder
		if orderRef != nil {
			var err error
			order, err = s.orders.GetByID(ctx, *orderRef)
			if err != nil {
				return translateNotFound(err, ErrOrderNotFound)
			}
			if order.Status == OrderStatusCancelled {
				return newError(KindStateConflict, "order_terminal", "order %s is cancelled", order.ID)
			}
			rep.PatientRef = order.PatientRef
		}

		seen := make(map[string]bool)
		for _, in := range entries {
			if seen[in.TestCode] {
				return newError(KindValidation, "invalid_test_code", "result for %q given twice", in.TestCode)
			}
			seen[in.TestCode] = true

			rng, unit, err := s.rangeFor(ctx, order, in.TestCode)
			if err != nil {
				return err
			}
			entry := s.classifyEntry(in, rng, unit)
			rep.Results = append(rep.Results, entry)
		}

		if order != nil {
			for _, e := range rep.Results {
				if t := order.Test(e.TestCode); t != nil && !t.SubStatus.IsTerminal() {
					t.SubStatus = TestSubStatusCompleted
				}
			}
			if coversPanel(order, rep) {
				rep.Status = ReportStatusCompleted
			}
		} else {
			rep.Status = ReportStatusCompleted
		}

		if err := s.reports.Create(ctx, rep); err != nil {
			return err
		}
		if err := s.recordReportTransition(ctx, rep, "", actor, nil); err != nil {
			return err
		}
		if order != nil {
			from := order.Status
			if err := s.completeOrderIfReady(ctx, order, actor, buf); err != nil {
				return err
			}
			if order.Status == from && !order.Status.IsTerminal() {
				// Partial panel still counts as activity on the order.
				if next := order.DeriveStatus(); next != from && from.CanTransition(next) {
					order.Status = next
					if err := s.orders.Update(ctx, order); err != nil {
						return translateStale(err)
					}
					if err := s.recordOrderTransition(ctx, order, from, actor, nil); err != nil {
						return err
					}
					buf.add(orderStatusEvent(ctx, order, from, "results received", actor))
				} else if err := s.orders.Update(ctx, order); err != nil {
					return translateStale(err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(buf)

	for _, e := range rep.Results {
		s.emitAbnormal(ctx, rep, e, actor)
	}
	return rep, nil
}

// rangeFor resolves the reference range for a result. Linked reports must
// stay inside the ordered panel; unlinked reports may reference any active
// catalog test.
func (s *Service) rangeFor(ctx context.Context, order *LabOrder, code string) (catalog.ReferenceRange, *string, error) {
	if order != nil && order.Test(code) == nil {
		return catalog.ReferenceRange{}, nil, newError(KindValidation, "unknown_test", "test %q is not part of order %s", code, order.ID)
	}
	def, err := s.catalog.GetTestDefinition(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.ReferenceRange{}, nil, newError(KindValidation, "invalid_test_code", "test code %q is not in the catalog", code)
		}
		return catalog.ReferenceRange{}, nil, newError(KindDependency, "catalog_unavailable", "test catalog lookup failed: %v", err)
	}
	return def.ReferenceRange, def.Unit, nil
}

// coversPanel reports whether every non-cancelled ordered test has a result
// on the report.
func coversPanel(order *LabOrder, rep *LabReport) bool {
	for _, t := range order.Tests {
		if t.SubStatus == TestSubStatusCancelled {
			continue
		}
		if rep.Result(t.Code) == nil {
			return false
		}
	}
	return true
}

// AppendResult adds or replaces one result on a pending report,
// reclassifying it, and completes the report and linked order once the
// panel is covered.
func (s *Service) AppendResult(ctx context.Context, actor Actor, reportID uuid.UUID, in ResultEntry) (*LabReport, error) {
	if err := s.authorize(actor, ActionReportAppend); err != nil {
		return nil, err
	}

	var rep *LabReport
	buf := &eventBuffer{}
	err := s.withTx(ctx, func(ctx context.Context) error {
		var err error
		rep, err = s.reports.GetByID(ctx, reportID)
		if err != nil {
			return translateNotFound(err, ErrReportNotFound)
		}
		if rep.Status != ReportStatusPending {
			return newError(KindStateConflict, "report_finalized", "report %s is %s", rep.ID, rep.Status)
		}

		var order *LabOrder
		if rep.OrderRef != nil {
			order, err = s.orders.GetByID(ctx, *rep.OrderRef)
			if err != nil {
				return translateNotFound(err, ErrOrderNotFound)
			}
		}

		rng, unit, err := s.rangeFor(ctx, order, in.TestCode)
		if err != nil {
			return err
		}
		entry := s.classifyEntry(in, rng, unit)

		if existing := rep.Result(in.TestCode); existing != nil {
			*existing = entry
		} else {
			rep.Results = append(rep.Results, entry)
		}

		from := rep.Status
		if order != nil {
			if t := order.Test(in.TestCode); t != nil && !t.SubStatus.IsTerminal() {
				t.SubStatus = TestSubStatusCompleted
			}
			if coversPanel(order, rep) {
				rep.Status = ReportStatusCompleted
			}
		}
		if err := s.reports.Update(ctx, rep); err != nil {
			return translateStale(err)
		}
		if rep.Status != from {
			if err := s.recordReportTransition(ctx, rep, from, actor, nil); err != nil {
				return err
			}
		}
		if order != nil {
			orderFrom := order.Status
			if err := s.completeOrderIfReady(ctx, order, actor, buf); err != nil {
				return err
			}
			if order.Status == orderFrom {
				if err := s.orders.Update(ctx, order); err != nil {
					return translateStale(err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(buf)

	if e := rep.Result(in.TestCode); e != nil {
		s.emitAbnormal(ctx, rep, *e, actor)
	}
	return rep, nil
}

// Verify signs off a completed report. The performer may not verify their
// own report unless the self-verify waiver is configured. Verifying an
// already verified report is a no-op that returns the report without a
// second event.
func (s *Service) Verify(ctx context.Context, actor Actor, reportID uuid.UUID, notes *string) (*LabReport, error) {
	if err := s.authorize(actor, ActionReportVerify); err != nil {
		return nil, err
	}

	var rep *LabReport
	verified := false
	err := s.withTx(ctx, func(ctx context.Context) error {
		var err error
		rep, err = s.reports.GetByID(ctx, reportID)
		if err != nil {
			return translateNotFound(err, ErrReportNotFound)
		}
		switch rep.Status {
		case ReportStatusVerified:
			return nil
		case ReportStatusPending:
			return newError(KindStateConflict, "report_not_completable", "report %s does not cover its panel yet", rep.ID)
		}
		if rep.PerformedByRef == actor.ID && !s.policy.AllowSelfVerify() {
			return newError(KindAuthorization, "self_verification", "performer %s may not verify their own report", actor.ID)
		}

		from := rep.Status
		now := time.Now().UTC()
		verifier := actor.ID
		rep.Status = ReportStatusVerified
		rep.VerifiedByRef = &verifier
		rep.VerifiedAt = &now
		rep.VerificationNotes = notes
		if err := s.reports.Update(ctx, rep); err != nil {
			return translateStale(err)
		}
		if err := s.recordReportTransition(ctx, rep, from, actor, notes); err != nil {
			return err
		}
		verified = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if verified && s.bus != nil {
		var orderID uuid.UUID
		if rep.OrderRef != nil {
			orderID = *rep.OrderRef
		}
		id := rep.ID
		s.bus.Publish(events.Event{
			Type:          events.TypeReportVerified,
			Tenant:        db.TenantFromContext(ctx),
			OrderID:       orderID,
			ReportID:      &id,
			PatientRef:    rep.PatientRef.String(),
			VerifiedByRef: actor.ID.String(),
			ActorRef:      actor.ID.String(),
		})
	}
	return rep, nil
}

// Reclassify recomputes every flag on a report from its stored snapshots.
// The classifier is deterministic, so this only changes output when the
// classifier configuration itself changed. Admin repair path.
func (s *Service) Reclassify(ctx context.Context, actor Actor, reportID uuid.UUID) (*LabReport, error) {
	if actor.Role != RoleAdmin {
		return nil, newError(KindAuthorization, "forbidden", "role %q may not reclassify reports", actor.Role)
	}

	var rep *LabReport
	err := s.withTx(ctx, func(ctx context.Context) error {
		var err error
		rep, err = s.reports.GetByID(ctx, reportID)
		if err != nil {
			return translateNotFound(err, ErrReportNotFound)
		}
		changed := false
		for i := range rep.Results {
			e := &rep.Results[i]
			flag, unclassified := s.classifier.Classify(e.Result, e.ReferenceRange)
			if flag != e.AbnormalFlag || unclassified != e.Unclassified {
				e.AbnormalFlag = flag
				e.Unclassified = unclassified
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return translateStale(s.reports.Update(ctx, rep))
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *Service) GetOrder(ctx context.Context, actor Actor, id uuid.UUID) (*LabOrder, error) {
	if err := s.authorize(actor, ActionRead); err != nil {
		return nil, err
	}
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, translateNotFound(err, ErrOrderNotFound)
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, actor Actor, filter OrderFilter, limit, offset int) ([]*LabOrder, int, error) {
	if err := s.authorize(actor, ActionRead); err != nil {
		return nil, 0, err
	}
	return s.orders.List(ctx, filter, limit, offset)
}

func (s *Service) GetReport(ctx context.Context, actor Actor, id uuid.UUID) (*LabReport, error) {
	if err := s.authorize(actor, ActionRead); err != nil {
		return nil, err
	}
	rep, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, translateNotFound(err, ErrReportNotFound)
	}
	return rep, nil
}

func (s *Service) ListReports(ctx context.Context, actor Actor, filter ReportFilter, limit, offset int) ([]*LabReport, int, error) {
	if err := s.authorize(actor, ActionRead); err != nil {
		return nil, 0, err
	}
	return s.reports.List(ctx, filter, limit, offset)
}

func (s *Service) OrderHistory(ctx context.Context, actor Actor, id uuid.UUID) ([]*StatusHistory, error) {
	if err := s.authorize(actor, ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.orders.GetByID(ctx, id); err != nil {
		return nil, translateNotFound(err, ErrOrderNotFound)
	}
	return s.history.ListByResource(ctx, ResourceOrder, id)
}

func translateNotFound(err error, sentinel *Error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

func translateStale(err error) error {
	if errors.Is(err, db.ErrStaleVersion) {
		return ErrStaleAggregate
	}
	return err
}
