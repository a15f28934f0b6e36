package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/policy"
)

// AlertService notifies an operator address about security-relevant events:
// keys hitting the lockout threshold and accounts disabled by the expiry
// sweep.
type AlertService interface {
	LockoutAlert(ctx context.Context, key policy.KeyField, value string, duration time.Duration)
	ExpiredUsersAlert(ctx context.Context, users []*models.User)
}

// AWSSESAlertService sends alerts using AWS SES
type AWSSESAlertService struct {
	sesClient   *ses.Client
	fromAddress string
	toAddress   string
	logger      *slog.Logger
}

// NewAWSSESAlertService creates a new AWS SES alert service
func NewAWSSESAlertService(region, fromAddress, toAddress string, logger *slog.Logger) (*AWSSESAlertService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESAlertService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		toAddress:   toAddress,
		logger:      logger,
	}, nil
}

// LockoutAlert reports a login attempt rejected because its key is locked.
// Alert delivery is best effort; a send failure never affects the login
// decision, so errors are logged and swallowed here.
func (s *AWSSESAlertService) LockoutAlert(ctx context.Context, key policy.KeyField, value string, duration time.Duration) {
	subject := fmt.Sprintf("Lockout active for %s %q", key, value)
	body := fmt.Sprintf(
		"A login attempt was rejected because the %s %q is locked out.\n\n"+
			"The lock stays active for %s after the most recent failed attempt.\n"+
			"Time: %s\n",
		key, value, policy.FormatLockDuration(duration),
		time.Now().UTC().Format(time.RFC3339))

	s.send(ctx, subject, body)
}

// ExpiredUsersAlert reports accounts disabled because they had not logged
// in within the inactivity period.
func (s *AWSSESAlertService) ExpiredUsersAlert(ctx context.Context, users []*models.User) {
	if len(users) == 0 {
		return
	}

	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}

	subject := fmt.Sprintf("%d account(s) disabled by expiry sweep", len(users))
	body := fmt.Sprintf(
		"The following accounts were disabled because their last login fell "+
			"outside the inactivity period:\n\n%s\n\nReactivate an account by "+
			"setting it active again; reactivation resets its last login.\n",
		strings.Join(names, "\n"))

	s.send(ctx, subject, body)
}

func (s *AWSSESAlertService) send(ctx context.Context, subject, body string) {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{s.toAddress},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
	}

	if _, err := s.sesClient.SendEmail(ctx, input); err != nil {
		s.logger.Error("failed to send alert email",
			slog.String("subject", subject),
			slog.Any("error", err))
		return
	}

	s.logger.Info("alert email sent", slog.String("subject", subject))
}

// NoopAlertService is used when no operator address is configured.
type NoopAlertService struct{}

func (NoopAlertService) LockoutAlert(ctx context.Context, key policy.KeyField, value string, duration time.Duration) {
}

func (NoopAlertService) ExpiredUsersAlert(ctx context.Context, users []*models.User) {}
