package fraud

import (
	"context"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/eventbus"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// EventSuspiciousActivity is the event type published for every recorded activity
const EventSuspiciousActivity = "fraud.suspicious_activity"

var activityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fraud_activity_log_failures_total",
	Help: "Suspicious activity log failures by stage",
}, []string{"stage"})

// ActivityEvent is the payload published on the event bus
type ActivityEvent struct {
	Type       string              `json:"type"`
	OccurredAt time.Time           `json:"occurred_at"`
	Activity   *SuspiciousActivity `json:"activity"`
}

// ActivityLog persists suspicious activities and fans them out to the event
// bus. Recording never fails the caller: storage errors go to Sentry and the
// error log instead.
type ActivityLog struct {
	repo      RepositoryInterface
	publisher eventbus.Publisher
	now       func() time.Time
}

var _ ActivityRecorder = (*ActivityLog)(nil)

// NewActivityLog creates an activity log. publisher may be nil.
func NewActivityLog(repo RepositoryInterface, publisher eventbus.Publisher) *ActivityLog {
	if publisher == nil {
		publisher = eventbus.NoopPublisher{}
	}
	return &ActivityLog{
		repo:      repo,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock
func (l *ActivityLog) WithNow(now func() time.Time) *ActivityLog {
	l.now = now
	return l
}

// Record stores and publishes a suspicious activity
func (l *ActivityLog) Record(ctx context.Context, a *SuspiciousActivity) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = l.now()
	}
	if a.Details == nil {
		a.Details = make(map[string]interface{})
	}

	if err := l.repo.CreateActivity(ctx, a); err != nil {
		activityFailures.WithLabelValues("store").Inc()
		l.reportSecondary(ctx, a, err)
	}

	event := ActivityEvent{Type: EventSuspiciousActivity, OccurredAt: a.DetectedAt, Activity: a}
	if err := l.publisher.Publish(ctx, eventKey(a), event); err != nil {
		activityFailures.WithLabelValues("publish").Inc()
		logger.WithContext(ctx).Warn("failed to publish suspicious activity",
			zap.String("activity_id", a.ID.String()),
			zap.Error(err),
		)
	}
}

// reportSecondary keeps a durable trace of activities the database refused
func (l *ActivityLog) reportSecondary(ctx context.Context, a *SuspiciousActivity, err error) {
	fields := []zap.Field{
		zap.String("activity_id", a.ID.String()),
		zap.String("activity_type", a.ActivityType),
		zap.String("severity", string(a.Severity)),
		zap.String("ip_address", a.IPAddress),
		zap.Int("risk_score", a.RiskScore),
		zap.Error(err),
	}
	if a.UserID != nil {
		fields = append(fields, zap.String("user_id", a.UserID.String()))
	}
	logger.WithContext(ctx).Error("failed to store suspicious activity", fields...)

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("activity_type", a.ActivityType)
		scope.SetTag("severity", string(a.Severity))
		scope.SetContext("suspicious_activity", sentry.Context{
			"id":          a.ID.String(),
			"description": a.Description,
			"ip_address":  a.IPAddress,
			"risk_score":  a.RiskScore,
			"detected_at": a.DetectedAt.Format(time.RFC3339),
		})
		hub.CaptureException(err)
	})
}

func eventKey(a *SuspiciousActivity) string {
	if a.UserID != nil {
		return a.UserID.String()
	}
	return a.IPAddress
}

// ========================================
// REVIEW
// ========================================

// ListUnresolved returns a page of open activities
func (l *ActivityLog) ListUnresolved(ctx context.Context, limit, offset int) ([]*SuspiciousActivity, int64, error) {
	return l.repo.ListUnresolved(ctx, limit, offset)
}

// ListByUser returns a page of a user's activities
func (l *ActivityLog) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*SuspiciousActivity, int64, error) {
	return l.repo.ListByUser(ctx, userID, limit, offset)
}

// Resolve closes an activity
func (l *ActivityLog) Resolve(ctx context.Context, id, resolvedBy uuid.UUID, notes string) (*SuspiciousActivity, error) {
	return l.repo.Resolve(ctx, id, resolvedBy, notes, l.now())
}
