package services

import (
	"context"
	"fmt"
	"log/slog"

	"gatherbot/internal/domain"
)

type alertService struct {
	mailer       domain.Mailer
	renderer     domain.EmailTemplateRenderer
	operatorAddr string
	logger       *slog.Logger
}

// NewAlertService returns an AlertService that emails the operator address
// using the "dispatch_failure" template.
func NewAlertService(mailer domain.Mailer, renderer domain.EmailTemplateRenderer, operatorAddr string, logger *slog.Logger) domain.AlertService {
	return &alertService{
		mailer:       mailer,
		renderer:     renderer,
		operatorAddr: operatorAddr,
		logger:       logger,
	}
}

func (s *alertService) NotifyDispatchFailure(ctx context.Context, alert *domain.DispatchFailureAlert) error {
	if alert == nil {
		return fmt.Errorf("dispatch failure alert is nil")
	}
	subject, htmlBody, textBody, err := s.renderer.Render("dispatch_failure", alert)
	if err != nil {
		return fmt.Errorf("render dispatch_failure template: %w", err)
	}
	if err := s.mailer.Send(s.operatorAddr, subject, htmlBody, textBody); err != nil {
		return fmt.Errorf("send dispatch failure alert: %w", err)
	}
	s.logger.Warn("dispatch failure alert sent",
		"job_id", alert.JobID,
		"event_id", alert.EventID,
		"kind", alert.Kind,
		"attempts", alert.Attempts,
	)
	return nil
}
