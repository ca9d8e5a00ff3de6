package promo

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Policy carries the tunable lifecycle rules. The repeat-reward switch exists
// because the product intent was ambiguous between anti-abuse and
// engagement-maximizing; duplicate prevention is the default.
type Policy struct {
	HoldDuration       time.Duration
	FullRefundWindow   time.Duration
	LateRefundPercent  int
	AllowRepeatRewards bool
	QueueLimit         int
	Pricing            Pricing
}

// DefaultPolicy returns the stock lifecycle rules.
func DefaultPolicy() Policy {
	return Policy{
		HoldDuration:      10 * time.Minute,
		FullRefundWindow:  10 * time.Minute,
		LateRefundPercent: 80,
		QueueLimit:        50,
		Pricing:           DefaultPricing(),
	}
}

// Validate ensures the policy contains sane values.
func (policy Policy) Validate() error {
	if policy.HoldDuration < 0 {
		return fmt.Errorf("%w: hold duration must not be negative", ErrInvalidPolicy)
	}
	if policy.FullRefundWindow < 0 {
		return fmt.Errorf("%w: full refund window must not be negative", ErrInvalidPolicy)
	}
	if policy.LateRefundPercent < 0 || policy.LateRefundPercent > 100 {
		return fmt.Errorf("%w: late refund percent outside [0,100]", ErrInvalidPolicy)
	}
	if policy.QueueLimit <= 0 {
		return fmt.Errorf("%w: queue limit must be positive", ErrInvalidPolicy)
	}
	return policy.Pricing.Validate()
}

// Service contains the domain logic over a Store: the balance engine, the
// promotion lifecycle manager, the reward engine, and the queue selector.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
	policy Policy
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, policy: DefaultPolicy()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.policy.Validate(); err != nil {
		return nil, err
	}
	return service, nil
}

// Policy exposes the effective lifecycle rules.
func (service *Service) Policy() Policy {
	return service.policy
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizeID(raw string, invalid error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", invalid)
	}
	return trimmed, nil
}
