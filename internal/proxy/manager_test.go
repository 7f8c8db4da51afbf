package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, settings Settings) *Manager {
	t.Helper()
	m := New(settings, zap.NewNop())
	var seq int
	m.newID = func() string {
		seq++
		return []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc", "dddddddddddd"}[seq-1]
	}
	return m
}

func TestProxyFor_Disabled(t *testing.T) {
	t.Parallel()

	m := New(Settings{Enabled: false}, nil)
	require.Nil(t, m.ProxyFor("anything"))
}

func TestProxyFor_StickyStableUntilRotate(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Settings{
		Enabled:          true,
		Server:           "proxy.example.com:8080",
		UsernameTemplate: "user-{session}",
		Password:         "secret",
		Sticky:           true,
		Scope:            ScopeQuery,
	})

	first := m.ProxyFor("golang @ remote")
	require.NotNil(t, first)
	require.Equal(t, "user-aaaaaaaaaaaa", first.Username)

	// Same scope key keeps the same identity across calls.
	again := m.ProxyFor("golang @ remote")
	require.Equal(t, first.Username, again.Username)

	m.Rotate("golang @ remote", "manual")
	rotated := m.ProxyFor("golang @ remote")
	require.Equal(t, "user-bbbbbbbbbbbb", rotated.Username)
	require.NotEqual(t, first.Username, rotated.Username)
}

func TestProxyFor_PlaceholderInUsername(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Settings{
		Enabled:  true,
		Server:   "proxy.example.com:8080",
		Username: "acct-{session}-country-us",
		Sticky:   true,
	})

	d := m.ProxyFor("")
	require.Equal(t, "acct-aaaaaaaaaaaa-country-us", d.Username)
}

func TestProxyFor_IPRoyalAutoTag(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Settings{
		Enabled:  true,
		Provider: "iproyal",
		Server:   "geo.iproyal.com:12321",
		Username: "acct",
		Sticky:   true,
	})

	d := m.ProxyFor("")
	require.Equal(t, "acct-session-aaaaaaaaaaaa", d.Username)

	// Already tagged usernames are left alone.
	m2 := newTestManager(t, Settings{
		Enabled:  true,
		Provider: "iproyal",
		Server:   "geo.iproyal.com:12321",
		Username: "acct-session-fixed",
		Sticky:   true,
	})
	require.Equal(t, "acct-session-fixed", m2.ProxyFor("").Username)
}

func TestSessionTTLExpiry(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Settings{
		Enabled:    true,
		Server:     "proxy.example.com:8080",
		Username:   "u-{session}",
		Sticky:     true,
		SessionTTL: 10 * time.Minute,
	})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	require.Equal(t, "u-aaaaaaaaaaaa", m.ProxyFor("").Username)

	// Still valid just before expiry.
	m.now = func() time.Time { return base.Add(9 * time.Minute) }
	require.Equal(t, "u-aaaaaaaaaaaa", m.ProxyFor("").Username)

	m.now = func() time.Time { return base.Add(11 * time.Minute) }
	require.Equal(t, "u-bbbbbbbbbbbb", m.ProxyFor("").Username)
}

func TestRecordChallenge_RotateThreshold(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Settings{
		Enabled:               true,
		Server:                "proxy.example.com:8080",
		Username:              "u-{session}",
		Sticky:                true,
		RotateAfterChallenges: 3,
	})

	require.False(t, m.RecordChallenge(false))
	require.False(t, m.RecordChallenge(false))
	require.True(t, m.RecordChallenge(false))
	require.True(t, m.NeedsRotation())

	m.PerformRotation("")
	require.False(t, m.NeedsRotation())
	require.Equal(t, 0, m.Stats().ConsecutiveChallenges)
	require.Equal(t, 1, m.Stats().TotalRotations)

	// Solved challenge resets the streak.
	require.False(t, m.RecordChallenge(false))
	require.False(t, m.RecordChallenge(true))
	require.Equal(t, 0, m.Stats().ConsecutiveChallenges)
}

func TestRecordChallenge_ZeroThresholdNeverRotates(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Settings{Enabled: true, Server: "p:1"})
	for i := 0; i < 50; i++ {
		require.False(t, m.RecordChallenge(false))
	}
}

func TestDescriptorURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", Descriptor{}.URL())
	require.Equal(t, "http://proxy.example.com:8080", Descriptor{Server: "proxy.example.com:8080"}.URL())
	require.Equal(t,
		"http://user:pw@proxy.example.com:8080",
		Descriptor{Server: "proxy.example.com:8080", Username: "user", Password: "pw"}.URL(),
	)
	require.Equal(t,
		"socks5://user:pw@proxy.example.com:1080",
		Descriptor{Server: "socks5://proxy.example.com:1080", Username: "user", Password: "pw"}.URL(),
	)
}

func TestStableBucket(t *testing.T) {
	t.Parallel()

	// Deterministic and in range.
	b := stableBucket("golang @ remote", 4)
	require.Equal(t, b, stableBucket("golang @ remote", 4))
	require.GreaterOrEqual(t, b, 0)
	require.Less(t, b, 4)

	require.Equal(t, 0, stableBucket("anything", 1))
}
