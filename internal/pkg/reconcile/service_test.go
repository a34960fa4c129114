package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/CrewDesk/app/models"
)

func TestProvisionTenant(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, DefaultConfig())

	rec, err := svc.ProvisionTenant(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, models.BillingStatusNone, rec.Status)
	assert.Equal(t, models.PaymentAuthorityNone, rec.PaymentAuthority)

	// Provisioning is idempotent per tenant.
	again, err := svc.ProvisionTenant(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
}

func TestStartTrial(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, DefaultConfig())

	_, err := svc.ProvisionTenant(context.Background(), 42)
	require.NoError(t, err)

	rec, err := svc.StartTrial(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, models.BillingStatusTrialPending, rec.Status)

	// Trial cannot start twice.
	_, err = svc.StartTrial(context.Background(), 42)
	require.ErrorIs(t, err, ErrInvalidLifecycle)
}

func TestBeginExternalCheckout_ArmsAuthorityGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, DefaultConfig())
	engine := newTestEngine(repo, nil)

	_, err := svc.ProvisionTenant(context.Background(), 42)
	require.NoError(t, err)
	_, err = svc.StartTrial(context.Background(), 42)
	require.NoError(t, err)

	// Before checkout initiation, a crafted activation event is untrusted.
	// It cannot even resolve a tenant yet, because no refs are on record.
	outcome, err := engine.Process(context.Background(), checkoutEvent("evt_before"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejectedMalformed, outcome)

	rec, err := svc.BeginExternalCheckout(context.Background(), 42, "cus_1", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentAuthorityExternalProcessor, rec.PaymentAuthority)
	require.NotNil(t, rec.ExternalSubscriptionRef)
	assert.Equal(t, "sub_1", *rec.ExternalSubscriptionRef)

	outcome, err = engine.Process(context.Background(), checkoutEvent("evt_after"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestWaivedTenantRejectsWebhookActivation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, DefaultConfig())
	engine := newTestEngine(repo, nil)

	_, err := svc.ProvisionTenant(context.Background(), 42)
	require.NoError(t, err)
	_, err = svc.StartTrial(context.Background(), 42)
	require.NoError(t, err)
	_, err = svc.BeginExternalCheckout(context.Background(), 42, "cus_1", "sub_1")
	require.NoError(t, err)

	// Support comps the account; webhook activation must now be untrusted.
	_, err = svc.Waive(context.Background(), 42)
	require.NoError(t, err)

	outcome, err := engine.Process(context.Background(), checkoutEvent("evt_waived"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejectedUntrusted, outcome)
}

func TestReinstateFromCanceled(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, DefaultConfig())

	rec := seedRecord(repo, models.BillingStatusCanceled, models.PaymentAuthorityExternalProcessor, "cus_1", "sub_1")

	// Only canceled tenants can be reinstated.
	activeRec := seedRecord(repo, models.BillingStatusActive, models.PaymentAuthorityExternalProcessor, "cus_2", "sub_2")
	activeRec.TenantID = 43
	require.NoError(t, repo.SaveRecord(context.Background(), activeRec))
	_, err := svc.ReinstateFromCanceled(context.Background(), 43, "sub_3", false)
	require.ErrorIs(t, err, ErrInvalidLifecycle)

	got, err := svc.ReinstateFromCanceled(context.Background(), rec.TenantID, "sub_new", false)
	require.NoError(t, err)
	assert.Equal(t, models.BillingStatusActive, got.Status)
	require.NotNil(t, got.ExternalSubscriptionRef)
	assert.Equal(t, "sub_new", *got.ExternalSubscriptionRef)
	assert.Nil(t, got.CanceledAt)
	require.NotNil(t, got.SubscriptionStartedAt)
}

func TestReinstateFromCanceled_ViaTrial(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, DefaultConfig())
	rec := seedRecord(repo, models.BillingStatusCanceled, models.PaymentAuthorityExternalProcessor, "cus_1", "sub_1")

	got, err := svc.ReinstateFromCanceled(context.Background(), rec.TenantID, "sub_new", true)
	require.NoError(t, err)
	assert.Equal(t, models.BillingStatusTrialPending, got.Status)
}
