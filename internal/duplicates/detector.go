package duplicates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var linksUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fraud_duplicate_links_upserted_total",
	Help: "Duplicate links written by the detector, by strongest signal",
}, []string{"signal"})

// Detector finds accounts likely controlled by the same actor
type Detector struct {
	repo         RepositoryInterface
	fingerprints FingerprintSource
	normalizer   *EmailNormalizer
	cfg          config.DetectorConfig
	now          func() time.Time
}

// NewDetector creates a new duplicate account detector
func NewDetector(repo RepositoryInterface, fingerprints FingerprintSource, cfg config.DetectorConfig) *Detector {
	return &Detector{
		repo:         repo,
		fingerprints: fingerprints,
		normalizer:   NewEmailNormalizer(cfg.DotInsensitiveDomains, cfg.Aliases()),
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock
func (d *Detector) WithNow(now func() time.Time) *Detector {
	d.now = now
	return d
}

// ========================================
// REGISTRATION
// ========================================

// RegisterAccount stores the normalized email identity of a user
func (d *Detector) RegisterAccount(ctx context.Context, userID uuid.UUID, email string) (*Account, error) {
	local, domain, err := d.normalizer.Normalize(email)
	if err != nil {
		return nil, err
	}
	acct := &Account{
		UserID:          userID,
		Email:           email,
		LocalNormalized: local,
		Domain:          domain,
		CreatedAt:       d.now(),
	}
	if err := d.repo.UpsertAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// RegisterPaymentInstrument records a hashed payment instrument for a user
func (d *Detector) RegisterPaymentInstrument(ctx context.Context, userID uuid.UUID, instrumentHash string) error {
	return d.repo.AddPaymentFingerprint(ctx, userID, instrumentHash)
}

// ========================================
// DETECTION
// ========================================

// FindDuplicates gathers every signal linking userID to other accounts,
// persists the resulting links and returns them ordered by the other
// account. Running it twice on unchanged data yields the same links.
func (d *Detector) FindDuplicates(ctx context.Context, userID uuid.UUID) ([]Link, error) {
	evidence, err := d.collect(ctx, userID)
	if err != nil {
		return nil, err
	}

	others := make([]uuid.UUID, 0, len(evidence))
	for other := range evidence {
		others = append(others, other)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].String() < others[j].String() })

	now := d.now()
	links := make([]Link, 0, len(others))
	for _, other := range others {
		link, ok := buildLink(userID, other, evidence[other], now)
		if !ok {
			continue
		}
		stored, err := d.repo.UpsertLink(ctx, link)
		if err != nil {
			return nil, err
		}
		linksUpserted.WithLabelValues(string(strongest(link.Signals))).Inc()
		links = append(links, *stored)
	}
	return links, nil
}

func (d *Detector) collect(ctx context.Context, userID uuid.UUID) (map[uuid.UUID][]Signal, error) {
	evidence := make(map[uuid.UUID][]Signal)
	add := func(other uuid.UUID, s Signal) {
		if other == userID {
			return
		}
		evidence[other] = append(evidence[other], s)
	}

	acct, err := d.repo.GetAccount(ctx, userID)
	switch {
	case errors.Is(err, ErrAccountNotFound):
	case err != nil:
		return nil, fmt.Errorf("load account: %w", err)
	default:
		candidates, err := d.repo.AccountsByDomain(ctx, acct.Domain, userID,
			len([]rune(acct.LocalNormalized)), d.cfg.MaxEmailDistance, d.cfg.CandidateLimit)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			dist := EmailDistance(acct.LocalNormalized, c.LocalNormalized)
			if dist <= d.cfg.MaxEmailDistance {
				add(c.UserID, EmailSimilarity{Distance: dist})
			}
		}
	}

	since := d.now().Add(-d.cfg.SharedIPWindow)
	ipOverlaps, err := d.fingerprints.SharedIPAccounts(ctx, userID, since, d.cfg.SharedIPThreshold, d.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	for _, o := range ipOverlaps {
		add(o.UserID, SharedIP{Count: o.SharedIPs, Threshold: d.cfg.SharedIPThreshold})
	}

	devOverlaps, err := d.fingerprints.SharedDeviceAccounts(ctx, userID, d.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	for _, o := range devOverlaps {
		add(o.UserID, SharedDevice{DeviceHash: o.DeviceHash})
	}

	payOverlaps, err := d.repo.SharedPaymentAccounts(ctx, userID, d.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	for _, o := range payOverlaps {
		add(o.UserID, SharedPayment{InstrumentHash: o.InstrumentHash})
	}

	return evidence, nil
}

func buildLink(userID, other uuid.UUID, signals []Signal, now time.Time) (*Link, bool) {
	confidence, types := combine(signals)
	if confidence == 0 {
		return nil, false
	}
	a, b := OrderedPair(userID, other)
	return &Link{
		ID:          uuid.New(),
		AccountA:    a,
		AccountB:    b,
		Confidence:  confidence,
		SignalTypes: types,
		Signals:     signals,
		DetectedAt:  now,
		UpdatedAt:   now,
	}, true
}

func strongest(signals []Signal) SignalType {
	var best Signal
	for _, s := range signals {
		if best == nil || s.Confidence() > best.Confidence() {
			best = s
		}
	}
	if best == nil {
		return ""
	}
	return best.Type()
}

// ScanRecent runs FindDuplicates for users active since the given time and
// returns how many links were written. A failure for one user is logged and
// the scan moves on.
func (d *Detector) ScanRecent(ctx context.Context, since time.Time, limit int) (int, error) {
	users, err := d.fingerprints.RecentlyActiveUsers(ctx, since, limit)
	if err != nil {
		return 0, fmt.Errorf("list active users: %w", err)
	}

	total := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		links, err := d.FindDuplicates(ctx, userID)
		if err != nil {
			logger.WithContext(ctx).Warn("duplicate scan failed for user",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
			continue
		}
		total += len(links)
	}
	return total, nil
}

// ========================================
// REVIEW
// ========================================

// ListLinks returns the stored links of a user
func (d *Detector) ListLinks(ctx context.Context, userID uuid.UUID) ([]*Link, error) {
	return d.repo.ListLinks(ctx, userID)
}

// MarkFalsePositive flags a link as reviewed and not a duplicate
func (d *Detector) MarkFalsePositive(ctx context.Context, linkID, reviewer uuid.UUID) (*Link, error) {
	return d.repo.MarkFalsePositive(ctx, linkID, reviewer, d.now())
}
