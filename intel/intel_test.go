package intel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Cxiyuan/NTA/config"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testService(clock clockwork.Clock) *Service {
	return NewService(config.GetDefaultConfig().Intel, clock)
}

func TestCheckJA3KnownFingerprints(t *testing.T) {
	s := testService(clockwork.NewFakeClock())

	match := s.CheckJA3("51c64c77e60f3980eea90869b68c58a8")
	require.True(t, match.IsMalicious)
	require.Equal(t, "Cobalt Strike", match.Details["tool"])
	require.Equal(t, "C2_Framework", match.Details["category"])

	require.Equal(t, Match{}, s.CheckJA3("ffffffffffffffffffffffffffffffff"))
}

func TestCheckUserAgent(t *testing.T) {
	s := testService(clockwork.NewFakeClock())

	tests := []struct {
		userAgent string
		tool      string
		category  string
	}{
		{"python-requests/2.31.0", "python-requests", "Automated_Script"},
		{"sqlmap/1.7#stable", "sqlmap", "SQL_Injection_Tool"},
		{"Mozilla/5.0 Nmap Scripting Engine", "Nmap", "Network_Scanner"},
	}
	for _, test := range tests {
		match := s.CheckUserAgent(test.userAgent)
		require.True(t, match.IsSuspicious, test.userAgent)
		require.Equal(t, 0.8, match.Confidence)
		require.Equal(t, test.category, match.Details["category"])
	}

	require.Equal(t, Match{}, s.CheckUserAgent("Mozilla/5.0 (Windows NT 10.0)"))
}

func TestCheckPort(t *testing.T) {
	s := testService(clockwork.NewFakeClock())

	match := s.CheckPort(4444)
	require.True(t, match.IsSuspicious)
	require.Equal(t, "Metasploit_Default", match.Details["name"])

	require.Equal(t, Match{}, s.CheckPort(443))
}

func TestCheckDomainPatterns(t *testing.T) {
	s := testService(clockwork.NewFakeClock())

	tests := []struct {
		domain     string
		suspicious bool
	}{
		{"aaaaaaaaaaaaaaaaaaaaaaaa.com", true},
		{"abcdef123456789abcdef.ru", true},
		{"update-20260101123.example.net", true},
		{"hidden.onion", true},
		{"www.example.com", false},
	}
	for _, test := range tests {
		match := s.CheckDomain(test.domain)
		require.Equal(t, test.suspicious, match.IsSuspicious, test.domain)
	}
}

func TestBlocklistChecks(t *testing.T) {
	s := testService(clockwork.NewFakeClock())
	require.NoError(t, s.AddIOC(KindIP, "203.0.113.50"))
	require.NoError(t, s.AddIOC(KindDomain, "Evil.Example.COM"))
	require.NoError(t, s.AddIOC(KindHash, "DEADBEEF00112233445566778899AABB"))

	ip := s.CheckIP("203.0.113.50")
	require.True(t, ip.IsMalicious)
	require.Equal(t, 0.95, ip.Confidence)
	require.Equal(t, []string{"Local_Blacklist"}, ip.Sources)

	// domain and hash lookups are case insensitive
	require.True(t, s.CheckDomain("evil.example.com").IsMalicious)
	require.True(t, s.CheckFileHash("deadbeef00112233445566778899aabb").IsMalicious)
	require.Equal(t, 0.99, s.CheckFileHash("deadbeef00112233445566778899aabb").Confidence)

	require.Error(t, s.AddIOC("bogus", "x"))
}

func TestCacheRespectsTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := testService(clock)

	// first lookup memoizes the clean verdict
	require.False(t, s.CheckIP("203.0.113.50").IsMalicious)

	// the indicator arrives; AddIOC invalidates its cached verdict
	require.NoError(t, s.AddIOC(KindIP, "203.0.113.50"))
	require.True(t, s.CheckIP("203.0.113.50").IsMalicious)

	// a different indicator cached clean stays clean from cache even after
	// the blocklist changes underneath it
	require.False(t, s.CheckIP("203.0.113.51").IsMalicious)
	s.ips.mu.Lock()
	s.ips.entries["203.0.113.51"] = struct{}{}
	s.ips.mu.Unlock()
	require.False(t, s.CheckIP("203.0.113.51").IsMalicious)

	// once the TTL lapses the verdict recomputes
	clock.Advance(25 * time.Hour)
	require.True(t, s.CheckIP("203.0.113.51").IsMalicious)
}

func TestEnrichEventSumsRisk(t *testing.T) {
	s := testService(clockwork.NewFakeClock())
	require.NoError(t, s.AddIOC(KindIP, "203.0.113.50"))

	enrichment := s.EnrichEvent(Event{
		SourceIP:  "10.0.0.5",
		DestIP:    "203.0.113.50",
		JA3:       "a0e9f5d64349fb13191bc781f81f42e1",
		UserAgent: "curl/8.0",
		DestPort:  4444,
	})

	// dst 30 + ja3 45 + ua 20 + port 15
	require.Equal(t, 110, enrichment.RiskScore)
	require.Contains(t, enrichment.Matches, "dest_ip")
	require.Contains(t, enrichment.Matches, "ja3")
	require.Contains(t, enrichment.Matches, "user_agent")
	require.Contains(t, enrichment.Matches, "dest_port")
	require.NotContains(t, enrichment.Matches, "source_ip")
}

func TestEnrichEventCleanTraffic(t *testing.T) {
	s := testService(clockwork.NewFakeClock())
	enrichment := s.EnrichEvent(Event{
		SourceIP: "10.0.0.5",
		DestIP:   "10.0.0.9",
		Domain:   "www.example.com",
		DestPort: 443,
	})
	require.Zero(t, enrichment.RiskScore)
	require.Empty(t, enrichment.Matches)
}

func TestSaveLoadCacheRoundTrip(t *testing.T) {
	afs := afero.NewMemMapFs()
	clock := clockwork.NewFakeClockAt(time.Unix(1736000000, 0))
	s := testService(clock)
	require.NoError(t, s.AddIOC(KindIP, "203.0.113.50"))
	require.NoError(t, s.AddIOC(KindDomain, "evil.example.com"))
	require.NoError(t, s.AddIOC(KindHash, "deadbeef00112233445566778899aabb"))

	require.NoError(t, s.SaveCache(afs, "/state/intel.json"))

	restored := testService(clock)
	require.NoError(t, restored.LoadCache(afs, "/state/intel.json"))
	require.True(t, restored.CheckIP("203.0.113.50").IsMalicious)
	require.True(t, restored.CheckDomain("evil.example.com").IsMalicious)
	require.True(t, restored.CheckFileHash("deadbeef00112233445566778899aabb").IsMalicious)

	// saving the restored service produces identical blocklists
	require.NoError(t, restored.SaveCache(afs, "/state/intel2.json"))
	first, err := afero.ReadFile(afs, "/state/intel.json")
	require.NoError(t, err)
	second, err := afero.ReadFile(afs, "/state/intel2.json")
	require.NoError(t, err)
	require.JSONEq(t, string(first), string(second))

	// cache file layout
	require.Contains(t, string(first), `"malicious_ips"`)
	require.Contains(t, string(first), `"malicious_domains"`)
	require.Contains(t, string(first), `"malicious_hashes"`)
	require.Contains(t, string(first), `"timestamp"`)
}

func TestRefresherPullsFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ips":["203.0.113.99"],"domains":["bad.example.net"],"hashes":["cafebabe"]}`))
	}))
	defer server.Close()

	cfg := config.GetDefaultConfig().Intel
	cfg.OnlineFeeds = []string{server.URL}
	s := NewService(cfg, clockwork.NewRealClock())

	r := NewRefresher(s)
	r.RefreshAll(context.Background())

	require.True(t, s.CheckIP("203.0.113.99").IsMalicious)
	require.True(t, s.CheckDomain("bad.example.net").IsMalicious)
	require.True(t, s.CheckFileHash("cafebabe").IsMalicious)
}

func TestRefresherToleratesFailingFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := config.GetDefaultConfig().Intel
	cfg.OnlineFeeds = []string{server.URL}
	s := NewService(cfg, clockwork.NewRealClock())

	// must return without error despite the failing feed
	NewRefresher(s).RefreshAll(context.Background())
	require.False(t, s.CheckIP("203.0.113.99").IsMalicious)
}

func TestUnknownIndicatorsAreClean(t *testing.T) {
	s := testService(clockwork.NewFakeClock())
	require.Equal(t, Match{}, s.CheckIP("198.51.100.1"))
	require.Equal(t, Match{}, s.CheckFileHash("0000"))
}
