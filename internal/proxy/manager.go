// Package proxy manages sticky upstream proxy sessions. A session pins a
// stable network identity (server plus session-tagged credentials) to a
// scope key until it expires or is explicitly rotated.
//
// Proxy settings are fixed at browser/context launch. Rotating a session
// does not touch the live browser: the caller must tear down and
// relaunch with the freshly issued descriptor.
package proxy

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scope values for session affinity.
const (
	ScopeRun   = "run"
	ScopeQuery = "query"
)

// Settings configures the Manager.
type Settings struct {
	Enabled  bool
	Provider string
	Server   string
	Username string
	Password string
	// UsernameTemplate may contain "{session}"; when set it overrides
	// the provider-specific tagging.
	UsernameTemplate string
	Sticky           bool
	// Scope is "run" (one identity for the whole run) or "query"
	// (identity per scope key).
	Scope      string
	PoolSize   int
	SessionTTL time.Duration
	// RotateAfterChallenges rotates after this many consecutive
	// unsolved challenges. Zero disables challenge-driven rotation.
	RotateAfterChallenges int
}

// Descriptor is an immutable proxy identity issued to a browser launch.
// Callers must not mutate it; replacement goes through Rotate plus a
// relaunch.
type Descriptor struct {
	Server   string
	Username string
	Password string
}

// URL renders the descriptor as a proxy URL for HTTP backends that take
// one (e.g. the clearance solver).
func (d Descriptor) URL() string {
	server := d.Server
	if server == "" {
		return ""
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	if d.Username == "" {
		return server
	}
	scheme, rest, found := strings.Cut(server, "://")
	if !found {
		return server
	}
	return scheme + "://" + d.Username + ":" + d.Password + "@" + rest
}

type sessionState struct {
	id        string
	expiresAt time.Time
	rotations int
}

func (s *sessionState) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

// Stats summarizes manager state for run metrics.
type Stats struct {
	Enabled               bool
	ConsecutiveChallenges int
	RotateThreshold       int
	NeedsRotation         bool
	TotalRotations        int
}

// Manager owns one session slot per bucket. Single-threaded like the
// rest of the pipeline.
type Manager struct {
	settings    Settings
	sessions    map[int]*sessionState
	consecutive int
	needsRotate bool
	rotations   int
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// New builds a Manager.
func New(settings Settings, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.PoolSize <= 0 {
		settings.PoolSize = 1
	}
	switch settings.Scope {
	case ScopeRun, ScopeQuery:
	default:
		settings.Scope = ScopeRun
	}
	return &Manager{
		settings: settings,
		sessions: make(map[int]*sessionState),
		logger:   logger,
		now:      time.Now,
		newID:    newSessionID,
	}
}

// Enabled reports whether proxying is configured at all.
func (m *Manager) Enabled() bool {
	return m.settings.Enabled
}

// ProxyFor returns the descriptor for scopeKey, lazily creating the
// bucket's session. Returns nil when proxying is disabled.
func (m *Manager) ProxyFor(scopeKey string) *Descriptor {
	if !m.settings.Enabled {
		return nil
	}
	d := Descriptor{
		Server:   m.settings.Server,
		Username: m.buildUsername(scopeKey),
		Password: strings.TrimSpace(m.settings.Password),
	}
	return &d
}

// SessionID returns the live session id for scopeKey, creating it if
// needed. Empty when proxying or stickiness is disabled.
func (m *Manager) SessionID(scopeKey string) string {
	state := m.session(scopeKey)
	if state == nil {
		return ""
	}
	return state.id
}

// Rotate discards the session for scopeKey and mints a new one. The
// caller must relaunch the browser/context with the next descriptor:
// the old session stays active on any context still running.
func (m *Manager) Rotate(scopeKey, reason string) {
	if !m.settings.Enabled {
		return
	}
	bucket := m.bucket(scopeKey)
	prev := m.sessions[bucket]
	rotations := 1
	if prev != nil {
		rotations = prev.rotations + 1
	}
	m.sessions[bucket] = &sessionState{
		id:        m.newID(),
		expiresAt: m.expiry(),
		rotations: rotations,
	}
	m.rotations++
	m.logger.Info("proxy session rotated",
		zap.String("provider", m.settings.Provider),
		zap.String("scope", m.settings.Scope),
		zap.Int("bucket", bucket),
		zap.String("reason", reason),
	)
}

// RecordChallenge tracks consecutive unsolved challenges and reports
// whether rotation is now required. A solved challenge resets the count.
func (m *Manager) RecordChallenge(solved bool) bool {
	if solved {
		m.consecutive = 0
		m.needsRotate = false
		return false
	}
	m.consecutive++
	threshold := m.settings.RotateAfterChallenges
	if threshold > 0 && m.consecutive >= threshold {
		m.needsRotate = true
	}
	return m.needsRotate
}

// NeedsRotation reports whether challenge pressure has requested a
// rotation that has not yet been performed.
func (m *Manager) NeedsRotation() bool {
	return m.needsRotate
}

// PerformRotation rotates the session for scopeKey and resets the
// challenge counters. The caller still owns the browser relaunch.
func (m *Manager) PerformRotation(scopeKey string) {
	if !m.settings.Enabled {
		return
	}
	m.Rotate(scopeKey, "consecutive_challenges")
	m.consecutive = 0
	m.needsRotate = false
}

// Stats returns a snapshot of rotation state.
func (m *Manager) Stats() Stats {
	return Stats{
		Enabled:               m.settings.Enabled,
		ConsecutiveChallenges: m.consecutive,
		RotateThreshold:       m.settings.RotateAfterChallenges,
		NeedsRotation:         m.needsRotate,
		TotalRotations:        m.rotations,
	}
}

func (m *Manager) session(scopeKey string) *sessionState {
	if !m.settings.Enabled || !m.settings.Sticky {
		return nil
	}
	bucket := m.bucket(scopeKey)
	state := m.sessions[bucket]
	if state == nil || state.expired(m.now()) {
		state = &sessionState{id: m.newID(), expiresAt: m.expiry()}
		m.sessions[bucket] = state
	}
	return state
}

func (m *Manager) expiry() time.Time {
	if m.settings.SessionTTL <= 0 {
		return time.Time{}
	}
	return m.now().Add(m.settings.SessionTTL)
}

func (m *Manager) bucket(scopeKey string) int {
	key := ScopeRun
	if m.settings.Scope == ScopeQuery && scopeKey != "" {
		key = scopeKey
	}
	return stableBucket(key, m.settings.PoolSize)
}

func (m *Manager) buildUsername(scopeKey string) string {
	base := strings.TrimSpace(m.settings.Username)
	template := strings.TrimSpace(m.settings.UsernameTemplate)
	state := m.session(scopeKey)

	// A "{session}" placeholder inside the username itself acts as the
	// template.
	if template == "" && strings.Contains(base, "{session}") {
		template = base
		base = ""
	}
	if template != "" && state != nil {
		return strings.ReplaceAll(template, "{session}", state.id)
	}

	provider := strings.ToLower(strings.TrimSpace(m.settings.Provider))
	if provider == "iproyal" && state != nil && base != "" && !looksSessionTagged(base) {
		return base + "-session-" + state.id
	}
	return base
}

func stableBucket(key string, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	digest := sha256.Sum256([]byte(key))
	return int(binary.BigEndian.Uint32(digest[:4]) % uint32(buckets))
}

func looksSessionTagged(username string) bool {
	lower := strings.ToLower(username)
	for _, tag := range []string{"-session-", "_session_", "-sessid-", "_sessid_"} {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
