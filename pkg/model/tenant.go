package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Tenant is owned by tenant administration; this service only reads it.
type Tenant struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Name      string    `gorm:"not null"`
	Timezone  string    `gorm:"type:varchar(64)"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	ProviderMeta    = "meta"
	ProviderPancake = "pancake"
)

// Integration holds provider credentials managed by the integrations screens.
// Credentials carries access_token for meta and api_key for pancake; Accounts
// lists ad account ids or shop ids depending on the provider.
type Integration struct {
	ID          uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_integrations_tenant_provider"`
	Provider    string         `gorm:"type:varchar(32);not null;uniqueIndex:idx_integrations_tenant_provider"`
	Enabled     bool           `gorm:"not null;default:true"`
	Credentials JSONB          `gorm:"type:jsonb"`
	Accounts    pq.StringArray `gorm:"type:text[]"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (i *Integration) Credential(key string) string {
	if i == nil || i.Credentials == nil {
		return ""
	}
	value, _ := i.Credentials[key].(string)
	return value
}
