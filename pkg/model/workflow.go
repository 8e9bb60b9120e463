package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flowforge/syncflow/pkg/daterange"
)

type Source string

const (
	SourceMeta Source = "meta"
	SourcePOS  Source = "pos"
)

type Workflow struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Name          string    `gorm:"not null"`
	Description   string
	Enabled       bool           `gorm:"not null;default:true"`
	Schedule      *string        `gorm:"type:varchar(100)"`
	Timezone      string         `gorm:"type:varchar(64);not null;default:'UTC'"`
	Config        WorkflowConfig `gorm:"type:jsonb;not null"`
	TeamID        *uuid.UUID     `gorm:"type:uuid;index"`
	SharedTeamIDs pq.StringArray `gorm:"type:text[]"`
	LastRunAt     *time.Time
	NextRunAt     *time.Time `gorm:"index"`
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ManualOnly reports whether the workflow runs only when triggered by a user.
func (w *Workflow) ManualOnly() bool {
	return w.Schedule == nil || *w.Schedule == ""
}

// Location returns the workflow's time zone, falling back to UTC.
func (w *Workflow) Location() *time.Location {
	if w.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type WorkflowConfig struct {
	DateRange daterange.Spec  `json:"dateRange"`
	Sources   SourcesConfig   `json:"sources"`
	RateLimit RateLimitConfig `json:"rateLimit"`
}

type SourcesConfig struct {
	Meta SourceToggle `json:"meta"`
	POS  SourceToggle `json:"pos"`
}

type SourceToggle struct {
	Enabled bool `json:"enabled"`
}

type RateLimitConfig struct {
	MetaDelayMs int `json:"metaDelayMs"`
	PosDelayMs  int `json:"posDelayMs"`
}

// EnabledSources lists enabled sources in fetch order.
func (c WorkflowConfig) EnabledSources() []Source {
	sources := make([]Source, 0, 2)
	if c.Sources.Meta.Enabled {
		sources = append(sources, SourceMeta)
	}
	if c.Sources.POS.Enabled {
		sources = append(sources, SourcePOS)
	}
	return sources
}

func (c WorkflowConfig) Delay(source Source) time.Duration {
	switch source {
	case SourceMeta:
		return time.Duration(c.RateLimit.MetaDelayMs) * time.Millisecond
	case SourcePOS:
		return time.Duration(c.RateLimit.PosDelayMs) * time.Millisecond
	default:
		return 0
	}
}

func (c WorkflowConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *WorkflowConfig) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*c = WorkflowConfig{}
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan workflow config: %v", value)
	}
	return json.Unmarshal(bytes, c)
}

func (WorkflowConfig) GormDataType() string {
	return "jsonb"
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}
