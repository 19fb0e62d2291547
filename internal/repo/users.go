package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kavenhq/kaven/internal/models"
)

var ErrNotFound = errors.New("record not found")

type Users struct {
	DB *gorm.DB
}

// ByEmail loads a user with its tenant preloaded. Users of deactivated
// tenants are treated as absent.
func (r *Users) ByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.DB.WithContext(ctx).
		Preload("Tenant").
		Joins("JOIN tenants ON tenants.id = users.tenant_id AND tenants.active").
		Where("users.email = ?", email).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *Users) ByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.DB.WithContext(ctx).Preload("Tenant").Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ByIDScoped loads a user through a tenant-bound connection. tx must come
// from tenantctx.WithTenantContext.
func (r *Users) ByIDScoped(tx *gorm.DB, id string) (*models.User, error) {
	var user models.User
	err := tx.Preload("Tenant").Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *Users) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	res := r.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("password_hash", passwordHash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
