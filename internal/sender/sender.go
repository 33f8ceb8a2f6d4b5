// Package sender delivers the approved issue through the Resend broadcast
// API, with a dry-run mode that short-circuits every provider call.
package sender

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"

	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/resilience"
	"github.com/newsletter-agent/pkg/logger"
	"github.com/newsletter-agent/pkg/ratelimit"
)

// DryRunBroadcastID is the deterministic id returned in dry-run mode.
const DryRunBroadcastID = "dry-run-broadcast"

// BroadcastResult is the outcome of broadcast creation.
type BroadcastResult struct {
	BroadcastID string
	DryRun      bool
}

// SendResult is the outcome of triggering a broadcast.
type SendResult struct {
	BroadcastID string
	Status      string
}

// Broadcaster is the delivery capability the send pipeline depends on.
type Broadcaster interface {
	CreateBroadcast(ctx context.Context, subject, html string) (*BroadcastResult, error)
	SendBroadcast(ctx context.Context, broadcastID string) (*SendResult, error)
}

// ContactCreator registers a subscriber with the audience.
type ContactCreator interface {
	CreateContact(ctx context.Context, email string) error
}

// Sender implements Broadcaster and ContactCreator over Resend.
type Sender struct {
	client      *resend.Client
	cfg         config.ResendConfig
	policy      *resilience.Policy
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a Resend sender.
func New(cfg config.ResendConfig, maxRetries int, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Sender {
	return &Sender{
		client:      resend.NewClient(cfg.APIKey),
		cfg:         cfg,
		policy:      resilience.NewPolicy("resend_api", maxRetries),
		rateLimiter: limiter,
		log:         log.WithComponent("sender"),
	}
}

// CreateBroadcast creates a broadcast for the configured audience. In
// dry-run mode no provider call is made and a fixed id is returned.
func (s *Sender) CreateBroadcast(ctx context.Context, subject, html string) (*BroadcastResult, error) {
	if s.cfg.DryRun {
		s.log.Info().Str("subject", subject).Msg("Dry run: skipping broadcast creation")
		return &BroadcastResult{BroadcastID: DryRunBroadcastID, DryRun: true}, nil
	}
	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterResend); err != nil {
		return nil, err
	}

	params := &resend.CreateBroadcastRequest{
		AudienceId: s.cfg.AudienceID,
		From:       s.cfg.FromEmail,
		Subject:    subject,
		Html:       html,
	}
	if s.cfg.ReplyTo != "" {
		params.ReplyTo = []string{s.cfg.ReplyTo}
	}

	var broadcastID string
	err := s.policy.Execute(ctx, func() error {
		resp, err := s.client.Broadcasts.CreateWithContext(ctx, params)
		if err != nil {
			return resilience.Transient(err)
		}
		broadcastID = resp.Id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast: %w", err)
	}

	s.log.Info().Str("broadcast_id", broadcastID).Msg("Broadcast created")
	return &BroadcastResult{BroadcastID: broadcastID}, nil
}

// SendBroadcast triggers a previously created broadcast. In dry-run mode
// the call is skipped and reported as such.
func (s *Sender) SendBroadcast(ctx context.Context, broadcastID string) (*SendResult, error) {
	if s.cfg.DryRun {
		s.log.Info().Str("broadcast_id", broadcastID).Msg("Dry run: skipping broadcast send")
		return &SendResult{BroadcastID: broadcastID, Status: "skipped_dry_run"}, nil
	}
	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterResend); err != nil {
		return nil, err
	}

	err := s.policy.Execute(ctx, func() error {
		_, err := s.client.Broadcasts.SendWithContext(ctx, &resend.SendBroadcastRequest{
			BroadcastId: broadcastID,
		})
		if err != nil {
			return resilience.Transient(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send broadcast: %w", err)
	}

	s.log.Info().Str("broadcast_id", broadcastID).Msg("Broadcast sent")
	return &SendResult{BroadcastID: broadcastID, Status: "sent"}, nil
}

// CreateContact adds a subscriber to the configured audience.
func (s *Sender) CreateContact(ctx context.Context, email string) error {
	if s.cfg.DryRun {
		s.log.Info().Str("email", email).Msg("Dry run: skipping contact creation")
		return nil
	}
	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterResend); err != nil {
		return err
	}

	err := s.policy.Execute(ctx, func() error {
		_, err := s.client.Contacts.CreateWithContext(ctx, &resend.CreateContactRequest{
			Email:      email,
			AudienceId: s.cfg.AudienceID,
		})
		if err != nil {
			return resilience.Transient(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create contact %s: %w", email, err)
	}
	return nil
}

var (
	_ Broadcaster    = (*Sender)(nil)
	_ ContactCreator = (*Sender)(nil)
)
