// Package domain contains the deployment entity, the provider adapter
// contract, and the deployment service interface.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Provider identifies a deployment backend.
type Provider string

const (
	ProviderKubernetes Provider = "kubernetes"
	ProviderLambda     Provider = "aws-lambda"
	ProviderCloudRun   Provider = "cloud-run"
	ProviderCustom     Provider = "custom"
)

// Status is the canonical deployment state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusDeleted Status = "deleted"
)

// Resources declares the compute envelope for one deployment.
type Resources struct {
	CPU               string `json:"cpu"`
	Memory            string `json:"memory"`
	Replicas          int32  `json:"replicas"`
	MinReplicas       int32  `json:"minReplicas"`
	MaxReplicas       int32  `json:"maxReplicas"`
	TargetUtilization int32  `json:"targetUtilization"`
}

// MetricsSnapshot is the last-observed backend metrics tuple. It is
// overwritten wholesale on each poll, never merged field by field.
type MetricsSnapshot struct {
	CPUUsage     float64   `json:"cpuUsage"`
	MemoryUsage  float64   `json:"memoryUsage"`
	RequestCount int64     `json:"requestCount"`
	ResponseTime float64   `json:"responseTime"`
	ErrorRate    float64   `json:"errorRate"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CostTracking accrues cost independently of the monthly roll-up.
type CostTracking struct {
	TotalCost        float64 `json:"totalCost"`
	CurrentMonthCost float64 `json:"currentMonthCost"`
}

// LogEntry is one line of the bounded inline log buffer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// MaxInlineLogs bounds the inline log buffer stored on the record.
const MaxInlineLogs = 200

// Deployment is the backend-agnostic record of one agent instance.
type Deployment struct {
	ID       snowflake.ID `gorm:"primaryKey" json:"id"`
	AgentID  snowflake.ID `gorm:"not null;index" json:"agentId"`
	UserID   snowflake.ID `gorm:"not null;index" json:"userId"`
	Name     string       `gorm:"type:text;not null" json:"name"`
	Provider Provider     `gorm:"type:text;not null" json:"provider"`
	Status   Status       `gorm:"type:text;not null" json:"status"`

	Resources    datatypes.JSONType[Resources]       `json:"resources"`
	Config       datatypes.JSONMap                   `gorm:"type:jsonb" json:"config"`
	Metrics      datatypes.JSONType[MetricsSnapshot] `json:"metrics"`
	CostTracking datatypes.JSONType[CostTracking]    `json:"costTracking"`
	Logs         datatypes.JSONSlice[LogEntry]       `json:"logs"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (Deployment) TableName() string { return "deployments" }

// AppendLog pushes one entry onto the inline buffer, evicting the oldest
// entries past MaxInlineLogs.
func (d *Deployment) AppendLog(entry LogEntry) {
	logs := append([]LogEntry(d.Logs), entry)
	if len(logs) > MaxInlineLogs {
		logs = logs[len(logs)-MaxInlineLogs:]
	}
	d.Logs = datatypes.NewJSONSlice(logs)
}

// ConfigString reads a string field from the opaque provider config.
func (d *Deployment) ConfigString(key string) string {
	if d.Config == nil {
		return ""
	}
	value, ok := d.Config[key]
	if !ok {
		return ""
	}
	cast, ok := value.(string)
	if !ok {
		return ""
	}
	return cast
}

// ConfigMap reads a nested map field (e.g. environment variables) from
// the opaque provider config.
func (d *Deployment) ConfigMap(key string) map[string]string {
	if d.Config == nil {
		return nil
	}
	value, ok := d.Config[key]
	if !ok {
		return nil
	}
	raw, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}
