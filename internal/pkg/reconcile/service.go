package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkarlsen/CrewDesk/app/models"
)

// ErrInvalidLifecycle is returned by administrative operations invoked
// against a record whose current state does not permit them.
var ErrInvalidLifecycle = errors.New("operation not valid for current billing state")

// Service carries the server-initiated lifecycle operations that the webhook
// engine deliberately never performs: provisioning, trial start, checkout
// initiation (which arms the authority guard), comped accounts and
// administrative reinstatement after cancellation.
type Service struct {
	repo Repository
	cfg  Config
	now  func() time.Time
}

// NewService creates a lifecycle service from an injected repository.
func NewService(repo Repository, cfg Config) *Service {
	return &Service{repo: repo, cfg: cfg, now: time.Now}
}

// GetRecord loads the tenant's billing record.
func (s *Service) GetRecord(ctx context.Context, tenantID uint) (*models.BillingRecord, error) {
	return s.requireRecord(ctx, tenantID)
}

// ProvisionTenant creates the tenant's billing record in its entry state.
// Records are never deleted while the tenant exists.
func (s *Service) ProvisionTenant(ctx context.Context, tenantID uint) (*models.BillingRecord, error) {
	if tenantID == 0 {
		return nil, errors.New("tenant_id is required")
	}
	existing, err := s.repo.GetRecordByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	record := &models.BillingRecord{
		TenantID:         tenantID,
		Status:           models.BillingStatusNone,
		PaymentAuthority: models.PaymentAuthorityNone,
	}
	if err := s.repo.CreateRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// StartTrial moves a freshly provisioned tenant into trial_pending. The
// trial itself activates later, either through a provider trial event or a
// direct paid signup.
func (s *Service) StartTrial(ctx context.Context, tenantID uint) (*models.BillingRecord, error) {
	record, err := s.requireRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.BillingStatusNone {
		return nil, fmt.Errorf("%w: start trial from %q", ErrInvalidLifecycle, record.Status)
	}

	record.Status = models.BillingStatusTrialPending
	if err := s.repo.SaveRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// BeginExternalCheckout records the checkout session this server just
// created with the payment provider. Setting the authority and the expected
// resource identity here, before any webhook can arrive, is what the
// authority guard later verifies: activation is gated on state this system
// set, not on anything an event claims.
func (s *Service) BeginExternalCheckout(ctx context.Context, tenantID uint, customerRef, subscriptionRef string) (*models.BillingRecord, error) {
	customerRef = strings.TrimSpace(customerRef)
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if customerRef == "" {
		return nil, errors.New("customer_ref is required")
	}

	record, err := s.requireRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if record.Status == models.BillingStatusCanceled {
		return nil, fmt.Errorf("%w: checkout for canceled tenant requires reinstatement", ErrInvalidLifecycle)
	}

	record.PaymentAuthority = models.PaymentAuthorityExternalProcessor
	record.ExternalCustomerRef = &customerRef
	if subscriptionRef != "" {
		record.ExternalSubscriptionRef = &subscriptionRef
	}
	if err := s.repo.SaveRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GrantManual marks the tenant as manually billed (invoiced offline).
// Webhook activation is rejected as untrusted while this authority holds.
func (s *Service) GrantManual(ctx context.Context, tenantID uint) (*models.BillingRecord, error) {
	return s.setAuthority(ctx, tenantID, models.PaymentAuthorityManual)
}

// Waive marks the tenant as comped. Same webhook consequences as GrantManual.
func (s *Service) Waive(ctx context.Context, tenantID uint) (*models.BillingRecord, error) {
	return s.setAuthority(ctx, tenantID, models.PaymentAuthorityWaived)
}

func (s *Service) setAuthority(ctx context.Context, tenantID uint, authority string) (*models.BillingRecord, error) {
	record, err := s.requireRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	record.PaymentAuthority = authority
	if err := s.repo.SaveRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ReinstateFromCanceled re-enters the lifecycle after cancellation under a
// new subscription identity. This is an explicit administrative action;
// canceled is terminal for webhook-driven transitions and no event can
// trigger this path.
func (s *Service) ReinstateFromCanceled(ctx context.Context, tenantID uint, newSubscriptionRef string, viaTrial bool) (*models.BillingRecord, error) {
	newSubscriptionRef = strings.TrimSpace(newSubscriptionRef)
	if newSubscriptionRef == "" {
		return nil, errors.New("new subscription_ref is required")
	}

	record, err := s.requireRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.BillingStatusCanceled {
		return nil, fmt.Errorf("%w: reinstate from %q", ErrInvalidLifecycle, record.Status)
	}

	now := s.now()
	record.ExternalSubscriptionRef = &newSubscriptionRef
	record.PaymentAuthority = models.PaymentAuthorityExternalProcessor
	record.CanceledAt = nil
	if viaTrial {
		record.Status = models.BillingStatusTrialPending
	} else {
		record.Status = models.BillingStatusActive
		record.SubscriptionStartedAt = &now
	}
	if err := s.repo.SaveRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) requireRecord(ctx context.Context, tenantID uint) (*models.BillingRecord, error) {
	if tenantID == 0 {
		return nil, errors.New("tenant_id is required")
	}
	record, err := s.repo.GetRecordByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: tenant %d has no billing record", ErrInvalidLifecycle, tenantID)
	}
	return record, nil
}
