package fingerprint

import (
	"context"
	"errors"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrInvalidInput is returned when the request carries no usable IP
var ErrInvalidInput = errors.New("fingerprint: invalid input")

var writeFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fraud_fingerprint_write_failures_total",
	Help: "Fingerprint records that could not be persisted",
})

// Service records fingerprints
type Service struct {
	repo       RepositoryInterface
	classifier *Classifier
	hasher     *Hasher
	now        func() time.Time
}

// NewService creates a new fingerprint service
func NewService(repo RepositoryInterface, classifier *Classifier, hasher *Hasher) *Service {
	return &Service{
		repo:       repo,
		classifier: classifier,
		hasher:     hasher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Record classifies and appends a fingerprint. A storage failure does not
// fail the call: the record is returned with Persisted set to false.
func (s *Service) Record(ctx context.Context, in RecordInput) (*Record, error) {
	ip, err := NormalizeIP(in.IPAddress)
	if err != nil {
		return nil, ErrInvalidInput
	}

	deviceHash := in.DeviceHash
	if deviceHash == "" {
		deviceHash = s.hasher.DeviceHash(in.Browser)
	}

	rec := &Record{
		ID:           uuid.New(),
		UserID:       in.UserID,
		IPAddress:    ip,
		DeviceHash:   deviceHash,
		Browser:      in.Browser,
		NetworkClass: s.classifier.Classify(ip),
		CapturedAt:   s.now(),
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		writeFailures.Inc()
		logger.WithContext(ctx).Warn("fingerprint write failed, continuing without persistence",
			zap.String("ip", ip),
			zap.Error(err),
		)
		return rec, nil
	}

	rec.Persisted = true
	return rec, nil
}
