package jobs

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/foodhub/foodhub/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionAudit records one committed permission change.
	TaskPermissionAudit = "rbac:audit"
	// TaskAuditPrune removes permission audit rows past retention.
	TaskAuditPrune = "rbac:audit_prune"

	// AuditPruneCron runs the retention job daily at 03:00 UTC.
	AuditPruneCron = "0 3 * * *"

	auditEntity       = "rbac"
	idempotencyModule = "rbac_audit"
)

// PermissionAuditPayload carries a change and the key that dedupes retries.
type PermissionAuditPayload struct {
	Key    string      `json:"key"`
	Change rbac.Change `json:"change"`
}

// auditKeySpace namespaces change-derived audit keys.
var auditKeySpace = uuid.MustParse("6f1c2d8e-4b3a-5c7d-9e0f-a1b2c3d4e5f6")

// ChangeKey derives a stable key from the change contents, so re-recording the
// same change collides on the task id instead of writing a second row.
func ChangeKey(change rbac.Change) (string, error) {
	data, err := json.Marshal(change)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(auditKeySpace, data).String(), nil
}

// NewPermissionAuditTask constructs an Asynq task for the change.
func NewPermissionAuditTask(payload PermissionAuditPayload) (*asynq.Task, error) {
	if payload.Key == "" {
		return nil, errors.New("permission audit: key required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionAudit, data, asynq.TaskID(payload.Key), asynq.MaxRetry(10)), nil
}

// AuditPrunePayload optionally overrides the configured retention.
type AuditPrunePayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewAuditPruneTask constructs the retention task.
func NewAuditPruneTask(payload AuditPrunePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPrune, data), nil
}
