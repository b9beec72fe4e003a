package notification

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/events"
)

func newSubscriber() (*EventSubscriber, *MockEmailSender, *MockSMSSender) {
	email := &MockEmailSender{}
	sms := &MockSMSSender{}
	mgr := NewNotificationManager(email, sms, NewTemplateEngine())
	sub := NewEventSubscriber(mgr, zerolog.Nop(), "clinic@example.com", "+15550100")
	return sub, email, sms
}

func TestEventSubscriber_CriticalResultGoesToOnCall(t *testing.T) {
	sub, email, sms := newSubscriber()

	sub.OnEvent(context.Background(), events.Event{
		Type:         events.TypeAbnormalResultDetected,
		OrderID:      uuid.New(),
		PatientRef:   "Patient/p-1",
		TestCode:     "K",
		Result:       "6.8",
		AbnormalFlag: "critical",
	})

	if len(email.Calls()) != 0 {
		t.Errorf("expected no email for critical result, got %d", len(email.Calls()))
	}
	calls := sms.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 SMS, got %d", len(calls))
	}
	if calls[0].To != "+15550100" {
		t.Errorf("expected on-call number, got %s", calls[0].To)
	}
	if !strings.Contains(calls[0].Body, "K") || !strings.Contains(calls[0].Body, "6.8") {
		t.Errorf("expected test details in alert, got %q", calls[0].Body)
	}
}

func TestEventSubscriber_HighResultGoesToClinicInbox(t *testing.T) {
	sub, email, sms := newSubscriber()

	sub.OnEvent(context.Background(), events.Event{
		Type:         events.TypeAbnormalResultDetected,
		OrderID:      uuid.New(),
		PatientRef:   "Patient/p-1",
		TestCode:     "GLU",
		Result:       "142",
		AbnormalFlag: "high",
	})

	if len(sms.Calls()) != 0 {
		t.Errorf("expected no SMS for non-critical result, got %d", len(sms.Calls()))
	}
	calls := email.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(calls))
	}
	if calls[0].To != "clinic@example.com" {
		t.Errorf("expected clinic inbox, got %s", calls[0].To)
	}
}

func TestEventSubscriber_ReportVerified(t *testing.T) {
	sub, email, _ := newSubscriber()

	reportID := uuid.New()
	sub.OnEvent(context.Background(), events.Event{
		Type:          events.TypeReportVerified,
		OrderID:       uuid.New(),
		ReportID:      &reportID,
		PatientRef:    "Patient/p-1",
		VerifiedByRef: "Practitioner/v-1",
	})

	calls := email.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(calls))
	}
	if !strings.Contains(calls[0].Body, reportID.String()) {
		t.Errorf("expected report id in body, got %q", calls[0].Body)
	}
	if !strings.Contains(calls[0].Body, "Practitioner/v-1") {
		t.Errorf("expected verifier in body, got %q", calls[0].Body)
	}
}

func TestEventSubscriber_OrderCancelled(t *testing.T) {
	sub, email, _ := newSubscriber()

	sub.OnEvent(context.Background(), events.Event{
		Type:       events.TypeOrderStatusChanged,
		OrderID:    uuid.New(),
		PatientRef: "Patient/p-1",
		FromStatus: "pending",
		ToStatus:   "cancelled",
		Reason:     "duplicate order",
	})

	calls := email.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(calls))
	}
	if !strings.Contains(calls[0].Body, "duplicate order") {
		t.Errorf("expected cancellation reason in body, got %q", calls[0].Body)
	}
}

func TestEventSubscriber_IgnoresRoutineTransitions(t *testing.T) {
	sub, email, sms := newSubscriber()

	sub.OnEvent(context.Background(), events.Event{
		Type:       events.TypeOrderStatusChanged,
		OrderID:    uuid.New(),
		FromStatus: "pending",
		ToStatus:   "in-progress",
	})

	if len(email.Calls()) != 0 || len(sms.Calls()) != 0 {
		t.Error("expected no notifications for routine status changes")
	}
}
