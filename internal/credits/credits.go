// Package credits defines the contract the activation scheduler uses to
// gate chargeable activations against an external credit system (§4.1.2).
// The credit system itself is an out-of-core collaborator (§6); this
// package specifies only the request/response shape and ships a fail-open
// no-op implementation for when none is configured.
package credits

import "context"

// Reason is why a check was refused.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonInsufficientCredit Reason = "insufficient_credit"
	ReasonBotNotConfigured   Reason = "bot_not_configured"
)

// CheckRequest describes one chargeable activation attempt.
type CheckRequest struct {
	UserID      string
	ServerID    string
	ChannelID   string
	BotID       string
	MessageID   string
	TriggerType string // "m_command" | "mention" | "reply"
	UserRoles   []string
}

// CheckResult is the credit system's verdict on a CheckRequest.
type CheckResult struct {
	Allowed       bool
	TransactionID string
	Reason        Reason
}

// RefundReason explains why a previously-deducted transaction is refunded.
type RefundReason string

const RefundInferenceFailed RefundReason = "inference_failed"

// Client is the contract the scheduler drives. Implementations must fail
// open: a transport error from CheckAndDeduct is treated by the caller as
// an allowed activation (§4.1.2 "Any transport/credit failure fails open"),
// so Client implementations should return (CheckResult{Allowed:false}, err)
// on failure and let the caller decide, rather than silently allowing.
type Client interface {
	CheckAndDeduct(ctx context.Context, req CheckRequest) (CheckResult, error)
	Refund(ctx context.Context, transactionID string, reason RefundReason) error
}

// NoopClient is the reference Client used when no external credit system is
// configured: every activation is allowed, and refunds are no-ops.
type NoopClient struct{}

func (NoopClient) CheckAndDeduct(ctx context.Context, req CheckRequest) (CheckResult, error) {
	return CheckResult{Allowed: true}, nil
}

func (NoopClient) Refund(ctx context.Context, transactionID string, reason RefundReason) error {
	return nil
}
