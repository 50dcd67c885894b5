package notify

import (
	"context"
	"log/slog"
)

// Service delivers user-facing notifications. All sends are best-effort: the
// operations they are attached to never fail because a notification did.
type Service interface {
	AccessRequestSubmitted(ctx context.Context, ownerEmail, productName, requestingUser, justification string) error

	StatusChanged(ctx context.Context, recipientEmail, productName, newStatus, comment string) error
}

// LogNotifier records notifications in the service log. Deployments wire a
// real mail transport behind the same interface.
type LogNotifier struct{}

func (LogNotifier) AccessRequestSubmitted(ctx context.Context, ownerEmail, productName, requestingUser, justification string) error {
	slog.Info("notification: access request submitted",
		"recipient", ownerEmail, "product", productName, "requesting_user", requestingUser)
	return nil
}

func (LogNotifier) StatusChanged(ctx context.Context, recipientEmail, productName, newStatus, comment string) error {
	slog.Info("notification: request status changed",
		"recipient", recipientEmail, "product", productName, "status", newStatus)
	return nil
}
