package controllers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/CrewDesk/app/models"
	"github.com/mkarlsen/CrewDesk/internal/pkg/reconcile"
)

const testWebhookSecret = "whsec_test"

// stubRepo is just enough Repository for the controller path: it claims
// everything and keeps one billing record.
type stubRepo struct {
	record   *models.BillingRecord
	claimErr error
	events   map[string]uint
	nextID   uint
}

func newStubRepo(record *models.BillingRecord) *stubRepo {
	return &stubRepo{record: record, events: make(map[string]uint)}
}

func (s *stubRepo) ClaimEvent(_ context.Context, event *models.ProcessedEvent) (bool, *models.ProcessedEvent, error) {
	if s.claimErr != nil {
		return false, nil, s.claimErr
	}
	if id, ok := s.events[event.ExternalEventID]; ok {
		cp := *event
		cp.ID = id
		return false, &cp, nil
	}
	s.nextID++
	s.events[event.ExternalEventID] = s.nextID
	cp := *event
	cp.ID = s.nextID
	return true, &cp, nil
}

func (s *stubRepo) FinalizeEvent(context.Context, uint, reconcile.Outcome, string) error { return nil }

func (s *stubRepo) FindRecordByResource(_ context.Context, customerRef, subscriptionRef string) (*models.BillingRecord, error) {
	if s.record == nil {
		return nil, nil
	}
	cp := *s.record
	return &cp, nil
}

func (s *stubRepo) ApplyTransition(_ context.Context, _ uint, expectedStatus string, updates map[string]interface{}, _ uint) (bool, error) {
	if s.record.Status != expectedStatus {
		return false, nil
	}
	if status, ok := updates["status"].(string); ok {
		s.record.Status = status
	}
	return true, nil
}

func (s *stubRepo) ListPendingEvents(context.Context, time.Time) ([]models.ProcessedEvent, error) {
	return nil, nil
}

func (s *stubRepo) GetRecordByTenant(context.Context, uint) (*models.BillingRecord, error) {
	return s.record, nil
}

func (s *stubRepo) CreateRecord(_ context.Context, record *models.BillingRecord) error {
	record.ID = 1
	s.record = record
	return nil
}
func (s *stubRepo) SaveRecord(context.Context, *models.BillingRecord) error   { return nil }

func signPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func newWebhookApp(t *testing.T, repo reconcile.Repository) *fiber.App {
	t.Helper()
	t.Setenv("BILLING_WEBHOOK_SECRET", testWebhookSecret)

	engine := reconcile.NewEngine(repo, nil, reconcile.DefaultConfig(), zerolog.Nop())
	InitializeBillingController(engine)

	app := fiber.New()
	app.Post("/api/billing/webhook", HandleBillingWebhook)
	return app
}

func checkoutPayload(eventID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"created": 1748779200,
		"data": {"object": {"id": "cs_1", "object": "checkout.session", "customer": "cus_1", "subscription": "sub_1"}}
	}`, eventID))
}

func postWebhook(t *testing.T, app *fiber.App, payload []byte, signature string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(fiber.MethodPost, "/api/billing/webhook", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Provider-Signature", signature)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	return resp.StatusCode, body
}

func trialPendingRecord() *models.BillingRecord {
	cus, sub := "cus_1", "sub_1"
	return &models.BillingRecord{
		ID:                      1,
		TenantID:                42,
		Status:                  models.BillingStatusTrialPending,
		PaymentAuthority:        models.PaymentAuthorityExternalProcessor,
		ExternalCustomerRef:     &cus,
		ExternalSubscriptionRef: &sub,
	}
}

func TestHandleBillingWebhook_Applied(t *testing.T) {
	app := newWebhookApp(t, newStubRepo(trialPendingRecord()))

	payload := checkoutPayload("evt_1")
	status, body := postWebhook(t, app, payload, signPayload(payload))

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, string(reconcile.OutcomeApplied), body["outcome"])
}

func TestHandleBillingWebhook_InvalidSignature(t *testing.T) {
	app := newWebhookApp(t, newStubRepo(trialPendingRecord()))

	payload := checkoutPayload("evt_1")
	status, body := postWebhook(t, app, payload, "deadbeef")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	status, _ = postWebhook(t, app, payload, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestHandleBillingWebhook_VetoesAreAcknowledged(t *testing.T) {
	// No tenant resolves: the engine rejects as malformed, but the provider
	// must still get a 2xx so it stops redelivering.
	app := newWebhookApp(t, newStubRepo(nil))

	payload := checkoutPayload("evt_1")
	status, body := postWebhook(t, app, payload, signPayload(payload))

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, string(reconcile.OutcomeRejectedMalformed), body["outcome"])
}

func TestHandleBillingWebhook_TransientIsRetryable(t *testing.T) {
	repo := newStubRepo(trialPendingRecord())
	repo.claimErr = fmt.Errorf("%w: db gone", reconcile.ErrTransient)
	app := newWebhookApp(t, repo)

	payload := checkoutPayload("evt_1")
	status, body := postWebhook(t, app, payload, signPayload(payload))

	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "transient", body["error"])
}

func TestHandleBillingWebhook_InvalidPayload(t *testing.T) {
	app := newWebhookApp(t, newStubRepo(trialPendingRecord()))

	payload := []byte(`{"type": "checkout.session.completed"}`)
	status, body := postWebhook(t, app, payload, signPayload(payload))

	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])
}

func TestParseWebhookEnvelope(t *testing.T) {
	event, err := parseWebhookEnvelope(checkoutPayload("evt_9"))
	require.NoError(t, err)
	assert.Equal(t, "evt_9", event.ExternalEventID)
	assert.Equal(t, reconcile.EventCheckoutCompleted, event.EventType)
	assert.Equal(t, "cus_1", event.CustomerRef)
	assert.Equal(t, "sub_1", event.SubscriptionRef)
	assert.Equal(t, time.Unix(1748779200, 0).UTC(), event.OccurredAt)

	// Subscription objects carry their own id as the subscription ref.
	event, err = parseWebhookEnvelope([]byte(`{
		"id": "evt_10",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_7", "object": "subscription", "customer": "cus_1"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventSubscriptionDeleted, event.EventType)
	assert.Equal(t, "sub_7", event.SubscriptionRef)

	// Unknown provider types pass through for the engine to ledger.
	event, err = parseWebhookEnvelope([]byte(`{"id": "evt_11", "type": "charge.refunded", "data": {"object": {"customer": "cus_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "charge.refunded", event.EventType)
}
