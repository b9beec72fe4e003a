package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/events"
)

// EventSubscriber turns lab workflow events into outbound notifications.
// Critical results go out over SMS to the on-call address, other abnormal
// results and verified reports over email to the clinic inbox.
type EventSubscriber struct {
	manager *NotificationManager
	logger  zerolog.Logger

	// ClinicInbox receives routine notifications; OnCallNumber receives
	// critical result alerts.
	ClinicInbox  string
	OnCallNumber string
}

func NewEventSubscriber(manager *NotificationManager, logger zerolog.Logger, clinicInbox, onCallNumber string) *EventSubscriber {
	return &EventSubscriber{
		manager:      manager,
		logger:       logger,
		ClinicInbox:  clinicInbox,
		OnCallNumber: onCallNumber,
	}
}

// OnEvent implements events.Listener.
func (s *EventSubscriber) OnEvent(ctx context.Context, event events.Event) {
	switch event.Type {
	case events.TypeAbnormalResultDetected:
		s.onAbnormalResult(ctx, event)
	case events.TypeReportVerified:
		s.onReportVerified(ctx, event)
	case events.TypeOrderStatusChanged:
		if event.ToStatus == "cancelled" {
			s.onOrderCancelled(ctx, event)
		}
	}
}

func (s *EventSubscriber) onAbnormalResult(ctx context.Context, event events.Event) {
	data := map[string]string{
		"patient":   event.PatientRef,
		"test_code": event.TestCode,
		"result":    event.Result,
		"flag":      event.AbnormalFlag,
		"order_id":  event.OrderID.String(),
	}

	templateID := "abnormal-result"
	recipient := s.ClinicInbox
	if event.AbnormalFlag == "critical" {
		templateID = "critical-result-alert"
		recipient = s.OnCallNumber
	}

	if _, err := s.manager.SendFromTemplate(ctx, templateID, data, recipient); err != nil {
		s.logger.Error().Err(err).
			Str("template", templateID).
			Str("order_id", event.OrderID.String()).
			Msg("failed to send abnormal result notification")
	}
}

func (s *EventSubscriber) onReportVerified(ctx context.Context, event events.Event) {
	reportID := ""
	if event.ReportID != nil {
		reportID = event.ReportID.String()
	}
	data := map[string]string{
		"patient":     event.PatientRef,
		"report_id":   reportID,
		"verified_by": event.VerifiedByRef,
	}
	if _, err := s.manager.SendFromTemplate(ctx, "report-verified", data, s.ClinicInbox); err != nil {
		s.logger.Error().Err(err).
			Str("report_id", reportID).
			Msg("failed to send report verified notification")
	}
}

func (s *EventSubscriber) onOrderCancelled(ctx context.Context, event events.Event) {
	data := map[string]string{
		"patient":  event.PatientRef,
		"order_id": event.OrderID.String(),
		"reason":   event.Reason,
	}
	if _, err := s.manager.SendFromTemplate(ctx, "order-cancelled", data, s.ClinicInbox); err != nil {
		s.logger.Error().Err(err).
			Str("order_id", event.OrderID.String()).
			Msg("failed to send order cancelled notification")
	}
}
