package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/foodhub/foodhub/internal/jobs"
	"github.com/foodhub/foodhub/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AuditWriter persists and prunes audit rows. shared.AuditLogger implements it.
type AuditWriter interface {
	Record(ctx context.Context, log shared.AuditLog) error
	Prune(ctx context.Context, entity string, cutoff time.Time) (int64, error)
}

// KeyClaimer dedupes task side effects. shared.IdempotencyStore implements it.
type KeyClaimer interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context, module string, olderThan time.Duration) (int64, error)
}

// PermissionAuditJob writes permission changes into audit_logs.
type PermissionAuditJob struct {
	Audit   AuditWriter
	Keys    KeyClaimer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPermissionAuditJob wires dependencies for the audit handler.
func NewPermissionAuditJob(audit AuditWriter, keys KeyClaimer, logger *slog.Logger, metrics *jobmetrics.Metrics) *PermissionAuditJob {
	return &PermissionAuditJob{Audit: audit, Keys: keys, Logger: logger, Metrics: metrics}
}

// Handle processes TaskPermissionAudit tasks.
func (j *PermissionAuditJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Audit == nil {
		return errors.New("permission audit: handler not configured")
	}
	var payload PermissionAuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Key == "" || payload.Change.Action == "" {
		return fmt.Errorf("permission audit: invalid payload: %w", asynq.SkipRetry)
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskPermissionAudit)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := loggerOrDefault(j.Logger).With(
		slog.String("action", payload.Change.Action),
		slog.String("key", payload.Key),
	)

	if j.Keys != nil {
		if err := j.Keys.CheckAndInsert(ctx, payload.Key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				logger.Debug("permission change already audited")
				return nil
			}
			return err
		}
	}

	change := payload.Change
	entry := shared.AuditLog{
		ActorID:  change.ActorID,
		Action:   change.Action,
		Entity:   auditEntity,
		EntityID: auditEntityID(change.RoleID, change.UserID),
		Meta: map[string]any{
			"role_id":     change.RoleID,
			"user_id":     change.UserID,
			"permissions": change.Permissions,
			"affected":    change.Affected,
		},
		At: change.At,
	}
	if err := j.Audit.Record(ctx, entry); err != nil {
		logger.Error("record permission audit", slog.Any("error", err))
		if j.Keys != nil {
			if delErr := j.Keys.Delete(ctx, payload.Key); delErr != nil {
				logger.Warn("release audit key", slog.Any("error", delErr))
			}
		}
		return err
	}
	logger.Info("permission change audited")
	return nil
}

// AuditPruneJob enforces audit retention.
type AuditPruneJob struct {
	Audit     AuditWriter
	Keys      KeyClaimer
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewAuditPruneJob wires dependencies for the retention handler.
func NewAuditPruneJob(audit AuditWriter, keys KeyClaimer, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditPruneJob {
	return &AuditPruneJob{
		Audit:     audit,
		Keys:      keys,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskAuditPrune tasks.
func (j *AuditPruneJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Audit == nil {
		return errors.New("audit prune: handler not configured")
	}
	var payload AuditPrunePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("audit prune: invalid payload: %w", asynq.SkipRetry)
		}
	}
	retention := j.Retention
	if payload.RetentionHours > 0 {
		retention = time.Duration(payload.RetentionHours) * time.Hour
	}
	if retention <= 0 {
		return fmt.Errorf("audit prune: retention must be positive: %w", asynq.SkipRetry)
	}

	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskAuditPrune)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := loggerOrDefault(j.Logger).With(slog.Duration("retention", retention))
	cutoff := j.now().Add(-retention)

	pruned, err := j.Audit.Prune(ctx, auditEntity, cutoff)
	if err != nil {
		logger.Error("prune audit logs", slog.Any("error", err))
		return err
	}
	metrics.AddPruned("audit_logs", pruned)

	var keys int64
	if j.Keys != nil {
		keys, err = j.Keys.Cleanup(ctx, idempotencyModule, retention)
		if err != nil {
			logger.Error("prune audit keys", slog.Any("error", err))
			return err
		}
		metrics.AddPruned("idempotency_keys", keys)
	}
	logger.Info("audit retention applied", slog.Int64("audit_rows", pruned), slog.Int64("keys", keys))
	return nil
}

func (j *AuditPruneJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func auditEntityID(roleID, userID int64) string {
	switch {
	case userID > 0:
		return "user:" + strconv.FormatInt(userID, 10)
	case roleID > 0:
		return "role:" + strconv.FormatInt(roleID, 10)
	default:
		return "catalogue"
	}
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
