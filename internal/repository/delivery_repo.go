package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/gorm"
)

// GormDeliveryRepo stores delivery records in PostgreSQL. Updates are guarded
// by the version column.
type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

func (r *GormDeliveryRepo) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	var model DeliveryModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model), nil
}

func (r *GormDeliveryRepo) Put(ctx context.Context, record *domain.DeliveryRecord) error {
	model := deliveryModelFromDomain(record)
	model.Version = 1

	err := r.db.WithContext(ctx).Create(model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: delivery %s already exists", domain.ErrConflict, record.ID)
	}
	if err != nil {
		return err
	}

	record.Version = 1
	return nil
}

func (r *GormDeliveryRepo) CompareAndSwap(ctx context.Context, record *domain.DeliveryRecord) error {
	model := deliveryModelFromDomain(record)
	model.Version = record.Version + 1

	result := r.db.WithContext(ctx).
		Model(&DeliveryModel{}).
		Where("id = ? AND version = ?", record.ID, record.Version).
		Select("*").
		Omit("id", "created_at").
		Updates(model)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&DeliveryModel{}).Where("id = ?", record.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, record.ID)
		}
		return fmt.Errorf("%w: delivery %s version %d is stale", domain.ErrConflict, record.ID, record.Version)
	}

	record.Version = model.Version
	return nil
}

func (r *GormDeliveryRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("delivery_id = ?", id).Delete(&DeliveryAttemptModel{}).Error; err != nil {
			return err
		}

		result := tx.Where("id = ?", id).Delete(&DeliveryModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
		}
		return nil
	})
}

func (r *GormDeliveryRepo) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	var model DeliveryModel
	err := r.db.WithContext(ctx).
		Where("provider_message_id = ?", providerMessageID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: provider message %s", domain.ErrNotFound, providerMessageID)
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model), nil
}

func (r *GormDeliveryRepo) List(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.DeliveryRecord, error) {
	query := r.db.WithContext(ctx).Model(&DeliveryModel{})

	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.RetryDueBefore != nil {
		query = query.Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", *filter.RetryDueBefore)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []DeliveryModel
	if err := query.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]*domain.DeliveryRecord, 0, len(models))
	for i := range models {
		records = append(records, deliveryModelToDomain(&models[i]))
	}
	return records, nil
}
