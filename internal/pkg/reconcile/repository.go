package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mkarlsen/CrewDesk/app/models"
)

// Repository provides the storage operations the engine and the lifecycle
// service need. All methods are bounded single-round-trip (or single
// transaction) operations; any storage failure is wrapped in ErrTransient so
// callers can let the provider redeliver.
type Repository interface {
	// ClaimEvent inserts the idempotency reservation. claimed is true only
	// for the single caller that wins the unique-key race; everyone else
	// gets claimed=false and the already stored row.
	ClaimEvent(ctx context.Context, event *models.ProcessedEvent) (claimed bool, stored *models.ProcessedEvent, err error)

	// FinalizeEvent moves a claimed reservation to its terminal outcome.
	// Only the claiming caller holds the row, so this update is not racy.
	FinalizeEvent(ctx context.Context, eventID uint, outcome Outcome, note string) error

	// FindRecordByResource resolves a tenant's billing record from the
	// provider's resource identity. Returns (nil, nil) when nothing maps.
	FindRecordByResource(ctx context.Context, customerRef, subscriptionRef string) (*models.BillingRecord, error)

	// ApplyTransition performs the conditional atomic apply: the record is
	// updated only while its status still equals expectedStatus, and the
	// ledger row is finalized to APPLIED in the same transaction. Returns
	// applied=false when a concurrent writer moved the record first.
	ApplyTransition(ctx context.Context, recordID uint, expectedStatus string, updates map[string]interface{}, eventID uint) (applied bool, err error)

	// ListPendingEvents returns reservations stuck in PENDING since before
	// the cutoff, for the reconciliation sweep.
	ListPendingEvents(ctx context.Context, before time.Time) ([]models.ProcessedEvent, error)

	GetRecordByTenant(ctx context.Context, tenantID uint) (*models.BillingRecord, error)
	CreateRecord(ctx context.Context, record *models.BillingRecord) error
	SaveRecord(ctx context.Context, record *models.BillingRecord) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a reconciliation repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

func (r *gormRepository) ClaimEvent(ctx context.Context, event *models.ProcessedEvent) (bool, *models.ProcessedEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, transient("claim insert", tx.Error)
	}

	claimed := tx.RowsAffected > 0
	var stored models.ProcessedEvent
	if err := r.db.WithContext(ctx).
		Where("external_event_id = ?", event.ExternalEventID).
		First(&stored).Error; err != nil {
		return false, nil, transient("claim readback", err)
	}
	return claimed, &stored, nil
}

func (r *gormRepository) FinalizeEvent(ctx context.Context, eventID uint, outcome Outcome, note string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"outcome":      string(outcome),
			"outcome_note": note,
			"finalized_at": &now,
		}).Error
	if err != nil {
		return transient("finalize event", err)
	}
	return nil
}

func (r *gormRepository) FindRecordByResource(ctx context.Context, customerRef, subscriptionRef string) (*models.BillingRecord, error) {
	var record models.BillingRecord

	if subscriptionRef != "" {
		err := r.db.WithContext(ctx).
			Where("external_subscription_ref = ?", subscriptionRef).
			First(&record).Error
		if err == nil {
			return &record, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, transient("record lookup by subscription", err)
		}
	}

	err := r.db.WithContext(ctx).
		Where("external_customer_ref = ?", customerRef).
		First(&record).Error
	if err == nil {
		return &record, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, transient("record lookup by customer", err)
}

var errStatusConflict = errors.New("billing record status moved")

func (r *gormRepository) ApplyTransition(ctx context.Context, recordID uint, expectedStatus string, updates map[string]interface{}, eventID uint) (bool, error) {
	now := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.BillingRecord{}).
			Where("id = ? AND status = ?", recordID, expectedStatus).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStatusConflict
		}
		return tx.Model(&models.ProcessedEvent{}).
			Where("id = ?", eventID).
			Updates(map[string]interface{}{
				"outcome":      models.EventOutcomeApplied,
				"outcome_note": "",
				"finalized_at": &now,
			}).Error
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errStatusConflict) {
		return false, nil
	}
	return false, transient("apply transition", err)
}

func (r *gormRepository) ListPendingEvents(ctx context.Context, before time.Time) ([]models.ProcessedEvent, error) {
	var events []models.ProcessedEvent
	err := r.db.WithContext(ctx).
		Where("outcome = ? AND received_at < ?", models.EventOutcomePending, before).
		Order("received_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, transient("list pending events", err)
	}
	return events, nil
}

func (r *gormRepository) GetRecordByTenant(ctx context.Context, tenantID uint) (*models.BillingRecord, error) {
	var record models.BillingRecord
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, transient("record lookup by tenant", err)
	}
	return &record, nil
}

func (r *gormRepository) CreateRecord(ctx context.Context, record *models.BillingRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return transient("create record", err)
	}
	return nil
}

func (r *gormRepository) SaveRecord(ctx context.Context, record *models.BillingRecord) error {
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return transient("save record", err)
	}
	return nil
}
