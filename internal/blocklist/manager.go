// Package blocklist rejects requests from blocked IPs, CIDR ranges, email
// addresses and disposable email domains.
package blocklist

import (
	"bufio"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/google/uuid"
	"github.com/ryanuber/go-glob"
	"go.uber.org/zap"
)

//go:embed disposable_domains.txt
var embeddedDisposable string

// Reason strings returned by the lookups
const (
	ReasonIPBlocked        = "ip address blocked"
	ReasonEmailBlocked     = "email address blocked"
	ReasonDisposableDomain = "disposable email domain"
	ReasonMalformedEmail   = "malformed email address"
)

type ipEntry struct {
	prefix netip.Prefix
	entry  *Entry
}

type emailEntry struct {
	pattern    string
	domainOnly bool
	entry      *Entry
}

// snapshot is an immutable view of the active entries
type snapshot struct {
	ips    []ipEntry
	emails []emailEntry
	loaded time.Time
}

// Manager answers blocklist lookups from an in-memory snapshot of Postgres
type Manager struct {
	repo       RepositoryInterface
	disposable map[string]struct{}

	mu   sync.RWMutex
	snap *snapshot

	now func() time.Time
}

// NewManager creates a manager seeded with the embedded disposable domains
// plus extraDisposable. Call Refresh before serving traffic.
func NewManager(repo RepositoryInterface, extraDisposable []string) *Manager {
	m := &Manager{
		repo:       repo,
		disposable: make(map[string]struct{}),
		snap:       &snapshot{},
		now:        func() time.Time { return time.Now().UTC() },
	}

	sc := bufio.NewScanner(strings.NewReader(embeddedDisposable))
	for sc.Scan() {
		m.addDisposable(sc.Text())
	}
	for _, d := range extraDisposable {
		m.addDisposable(d)
	}
	return m
}

// WithNow overrides the clock
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) addDisposable(line string) {
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	m.disposable[strings.TrimPrefix(line, "@")] = struct{}{}
}

// ========================================
// SNAPSHOT
// ========================================

// Refresh reloads the active entries from the repository
func (m *Manager) Refresh(ctx context.Context) error {
	entries, err := m.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	snap := &snapshot{loaded: m.now()}
	for _, e := range entries {
		switch e.Kind {
		case KindIP:
			p, err := parseIPPattern(e.Pattern)
			if err != nil {
				logger.WithContext(ctx).Warn("skipping malformed ip block entry",
					zap.String("id", e.ID.String()),
					zap.String("pattern", e.Pattern),
				)
				continue
			}
			snap.ips = append(snap.ips, ipEntry{prefix: p, entry: e})
		case KindEmail:
			pattern, domainOnly := emailPattern(e.Pattern)
			snap.emails = append(snap.emails, emailEntry{pattern: pattern, domainOnly: domainOnly, entry: e})
		}
	}

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
	return nil
}

// StartAutoRefresh reloads the snapshot every interval until ctx is done
func (m *Manager) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Refresh(ctx); err != nil {
					logger.Warn("blocklist refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

func (m *Manager) current() *snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// ========================================
// LOOKUPS
// ========================================

// IsIPBlocked reports whether ip matches an active IP or CIDR entry
func (m *Manager) IsIPBlocked(_ context.Context, ip string) (bool, string) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false, ""
	}
	addr = addr.Unmap()

	for _, e := range m.current().ips {
		if e.prefix.Contains(addr) {
			return true, reasonOr(e.entry.Reason, ReasonIPBlocked)
		}
	}
	return false, ""
}

// IsEmailAllowed reports whether an address may be used. Disposable
// providers, wildcard domain patterns and exact addresses are rejected.
func (m *Manager) IsEmailAllowed(_ context.Context, email string) (bool, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false, ReasonMalformedEmail
	}
	domain := email[at+1:]

	if m.isDisposable(domain) {
		return false, ReasonDisposableDomain
	}

	for _, e := range m.current().emails {
		subject := email
		if e.domainOnly {
			subject = domain
		}
		if glob.Glob(e.pattern, subject) {
			if e.entry.BlockType == BlockTypeDisposable {
				return false, ReasonDisposableDomain
			}
			return false, reasonOr(e.entry.Reason, ReasonEmailBlocked)
		}
	}
	return true, ""
}

func (m *Manager) isDisposable(domain string) bool {
	for d := domain; d != ""; {
		if _, ok := m.disposable[d]; ok {
			return true
		}
		dot := strings.IndexByte(d, '.')
		if dot < 0 {
			break
		}
		d = d[dot+1:]
	}
	return false
}

// ========================================
// ADMIN
// ========================================

// Create validates and stores an entry, then refreshes the snapshot
func (m *Manager) Create(ctx context.Context, req CreateEntryRequest, createdBy *uuid.UUID) (*Entry, error) {
	pattern := strings.ToLower(strings.TrimSpace(req.Pattern))
	if req.Kind == KindIP {
		p, err := parseIPPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("blocklist: invalid ip pattern %q: %w", req.Pattern, err)
		}
		if p.IsSingleIP() {
			pattern = p.Addr().String()
		} else {
			pattern = p.String()
		}
	}

	blockType := req.BlockType
	if blockType == "" {
		blockType = BlockTypeManual
	}

	e := &Entry{
		ID:        uuid.New(),
		Kind:      req.Kind,
		Pattern:   pattern,
		BlockType: blockType,
		Reason:    req.Reason,
		IsActive:  true,
		CreatedBy: createdBy,
		CreatedAt: m.now(),
	}
	if err := m.repo.Create(ctx, e); err != nil {
		return nil, err
	}

	m.refreshAfterWrite(ctx)
	return e, nil
}

// BlockIP adds an automatic entry for a single address. An existing active
// entry is not an error.
func (m *Manager) BlockIP(ctx context.Context, ip, reason string) error {
	_, err := m.Create(ctx, CreateEntryRequest{
		Kind:      KindIP,
		Pattern:   ip,
		BlockType: BlockTypeAutomatic,
		Reason:    reason,
	}, nil)
	if errors.Is(err, ErrDuplicateEntry) {
		return nil
	}
	return err
}

// Deactivate turns an entry off and refreshes the snapshot
func (m *Manager) Deactivate(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := m.repo.Deactivate(ctx, id, m.now())
	if err != nil {
		return nil, err
	}
	m.refreshAfterWrite(ctx)
	return e, nil
}

// List returns a page of entries
func (m *Manager) List(ctx context.Context, f ListFilter) ([]*Entry, int64, error) {
	return m.repo.List(ctx, f)
}

func (m *Manager) refreshAfterWrite(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil {
		logger.WithContext(ctx).Warn("blocklist refresh after write failed", zap.Error(err))
	}
}

// ========================================
// HELPERS
// ========================================

func parseIPPattern(pattern string) (netip.Prefix, error) {
	pattern = strings.TrimSpace(pattern)
	if strings.Contains(pattern, "/") {
		p, err := netip.ParsePrefix(pattern)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(pattern)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// emailPattern splits an email entry into its match pattern and whether it
// applies to the domain only. "@example.com" and "*.tempmail.*" match
// domains; "*@example.com" and "user@example.com" match whole addresses.
func emailPattern(raw string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(p, "@") {
		return p[1:], true
	}
	if !strings.Contains(p, "@") {
		return p, true
	}
	return p, false
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}
