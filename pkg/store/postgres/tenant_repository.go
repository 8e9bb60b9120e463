package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/syncflow/pkg/model"
)

// TenantRepository reads tenants and their provider integrations. Both tables
// are owned by tenant administration.
type TenantRepository struct {
	db *gorm.DB
}

func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// GetActive returns the tenant if it exists and is active.
func (r *TenantRepository) GetActive(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	var tenant model.Tenant
	if err := r.db.WithContext(ctx).First(&tenant, "id = ? AND active = ?", id, true).Error; err != nil {
		return nil, notFound(err)
	}
	return &tenant, nil
}

func (r *TenantRepository) GetIntegration(ctx context.Context, tenantID uuid.UUID, provider string) (*model.Integration, error) {
	var integration model.Integration
	err := r.db.WithContext(ctx).
		First(&integration, "tenant_id = ? AND provider = ?", tenantID, provider).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &integration, nil
}
