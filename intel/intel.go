// Package intel matches observed indicators against local blocklists and
// built-in signature tables for known attack tooling. Lookups memoize into a
// TTL cache striped by indicator kind so hot-path checks stay cheap.
package intel

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Cxiyuan/NTA/config"

	"github.com/jonboulle/clockwork"
)

const sourceLocalBlacklist = "Local_Blacklist"

// ja3Entry names a known-bad TLS client fingerprint
type ja3Entry struct {
	Name     string
	Category string
}

// builtin JA3 fingerprints of common attack frameworks
var ja3Fingerprints = map[string]ja3Entry{
	"a0e9f5d64349fb13191bc781f81f42e1": {Name: "Metasploit", Category: "C2_Framework"},
	"6734f37431670b3ab4292b8f60f29984": {Name: "Trickbot", Category: "Banking_Trojan"},
	"72a589da586844d7f0818ce684948eea": {Name: "Dridex", Category: "Banking_Trojan"},
	"51c64c77e60f3980eea90869b68c58a8": {Name: "Cobalt Strike", Category: "C2_Framework"},
}

// builtin user agent substrings of common attack tools
var toolUserAgents = map[string]string{
	"python-requests": "Automated_Script",
	"curl":            "Command_Line_Tool",
	"Metasploit":      "Exploitation_Framework",
	"Nmap":            "Network_Scanner",
	"sqlmap":          "SQL_Injection_Tool",
	"masscan":         "Port_Scanner",
}

// builtin destination ports associated with C2 channels
var c2Ports = map[uint16]string{
	4444:  "Metasploit_Default",
	5555:  "Common_Backdoor",
	6666:  "Common_Backdoor",
	7777:  "Common_Backdoor",
	8888:  "Common_Proxy",
	9999:  "Common_Backdoor",
	1337:  "Leet_Port",
	31337: "Back_Orifice",
}

// builtin DGA-style and anonymization domain patterns
var suspiciousDomainPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-z0-9]{20,}\.com$`),
	regexp.MustCompile(`[a-z0-9]{15,}\.(ru|cn|tk)$`),
	regexp.MustCompile(`.*-[0-9]{8,}\..*`),
	regexp.MustCompile(`.*\.(bit|onion)$`),
}

// Match is the outcome of checking one indicator
type Match struct {
	IsMalicious  bool           `json:"is_malicious"`
	IsSuspicious bool           `json:"is_suspicious"`
	Confidence   float64        `json:"confidence"`
	Sources      []string       `json:"sources,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Event carries the indicators extracted from one observed connection
type Event struct {
	SourceIP  string
	DestIP    string
	Domain    string
	FileHash  string
	JA3       string
	UserAgent string
	DestPort  uint16
}

// Enrichment is the combined intel verdict for one event. RiskScore is the
// additive raw score; the fusion layer normalizes it.
type Enrichment struct {
	RiskScore int              `json:"risk_score"`
	Matches   map[string]Match `json:"matches,omitempty"`
}

// IOC kinds accepted by AddIOC
const (
	KindIP     = "ip"
	KindDomain = "domain"
	KindHash   = "hash"
)

type cachedMatch struct {
	match   Match
	checked time.Time
}

// stripe is one kind's blocklist and memoization cache
type stripe struct {
	mu       sync.Mutex
	entries  map[string]struct{}
	cache    map[string]cachedMatch
}

func newStripe() *stripe {
	return &stripe{
		entries: make(map[string]struct{}),
		cache:   make(map[string]cachedMatch),
	}
}

// Service answers indicator lookups. Each indicator kind has its own lock
// stripe, so a burst of JA3 checks never contends with IP checks.
type Service struct {
	cfg   config.Intel
	clock clockwork.Clock

	ips     *stripe
	domains *stripe
	hashes  *stripe
}

func NewService(cfg config.Intel, clock clockwork.Clock) *Service {
	return &Service{
		cfg:     cfg,
		clock:   clock,
		ips:     newStripe(),
		domains: newStripe(),
		hashes:  newStripe(),
	}
}

// AddIOC inserts an indicator into the matching blocklist and invalidates
// its cached verdict
func (s *Service) AddIOC(kind, value string) error {
	var target *stripe
	switch kind {
	case KindIP:
		target = s.ips
	case KindDomain:
		target = s.domains
		value = strings.ToLower(value)
	case KindHash:
		target = s.hashes
		value = strings.ToLower(value)
	default:
		return fmt.Errorf("unknown ioc kind: %s", kind)
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	target.entries[value] = struct{}{}
	delete(target.cache, value)
	return nil
}

// CheckIP checks an address against the IP blocklist
func (s *Service) CheckIP(ip string) Match {
	return s.checkCached(s.ips, ip, func() Match {
		if _, ok := s.ips.entries[ip]; ok {
			return Match{
				IsMalicious: true,
				Confidence:  0.95,
				Sources:     []string{sourceLocalBlacklist},
				Details:     map[string]any{"indicator": ip},
			}
		}
		return Match{}
	})
}

// CheckDomain checks a domain against the blocklist and the built-in
// suspicious patterns
func (s *Service) CheckDomain(domain string) Match {
	domain = strings.ToLower(domain)
	return s.checkCached(s.domains, domain, func() Match {
		if _, ok := s.domains.entries[domain]; ok {
			return Match{
				IsMalicious: true,
				Confidence:  0.95,
				Sources:     []string{sourceLocalBlacklist},
				Details:     map[string]any{"indicator": domain},
			}
		}
		for _, pattern := range suspiciousDomainPatterns {
			if pattern.MatchString(domain) {
				return Match{
					IsSuspicious: true,
					Confidence:   0.7,
					Sources:      []string{"Pattern_Match"},
					Details:      map[string]any{"indicator": domain, "pattern": pattern.String()},
				}
			}
		}
		return Match{}
	})
}

// CheckFileHash checks a file hash against the hash blocklist
func (s *Service) CheckFileHash(hash string) Match {
	hash = strings.ToLower(hash)
	return s.checkCached(s.hashes, hash, func() Match {
		if _, ok := s.hashes.entries[hash]; ok {
			return Match{
				IsMalicious: true,
				Confidence:  0.99,
				Sources:     []string{sourceLocalBlacklist},
				Details:     map[string]any{"indicator": hash},
			}
		}
		return Match{}
	})
}

// CheckJA3 checks a TLS client fingerprint against the built-in table
func (s *Service) CheckJA3(ja3 string) Match {
	entry, ok := ja3Fingerprints[strings.ToLower(ja3)]
	if !ok {
		return Match{}
	}
	return Match{
		IsMalicious: true,
		Confidence:  1.0,
		Sources:     []string{"JA3_Fingerprint"},
		Details: map[string]any{
			"tool":     entry.Name,
			"category": entry.Category,
			"severity": "CRITICAL",
		},
	}
}

// CheckUserAgent checks a user agent string for known tool signatures
func (s *Service) CheckUserAgent(userAgent string) Match {
	for needle, category := range toolUserAgents {
		if strings.Contains(userAgent, needle) {
			return Match{
				IsSuspicious: true,
				Confidence:   0.8,
				Sources:      []string{"UserAgent_Signature"},
				Details: map[string]any{
					"tool":     needle,
					"category": category,
				},
			}
		}
	}
	return Match{}
}

// CheckPort checks a destination port against the C2 port table
func (s *Service) CheckPort(port uint16) Match {
	name, ok := c2Ports[port]
	if !ok {
		return Match{}
	}
	return Match{
		IsSuspicious: true,
		Confidence:   0.7,
		Sources:      []string{"C2_Port_Signature"},
		Details: map[string]any{
			"port": port,
			"name": name,
		},
	}
}

// risk weights per indicator position
const (
	riskSourceIP  = 50
	riskDestIP    = 30
	riskDomain    = 40
	riskFileHash  = 60
	riskJA3       = 45
	riskUserAgent = 20
	riskPort      = 15
)

// EnrichEvent checks every indicator the event carries and sums the risk
// contributions of everything that matched
func (s *Service) EnrichEvent(event Event) Enrichment {
	enrichment := Enrichment{Matches: make(map[string]Match)}

	add := func(key string, match Match, weight int) {
		if !match.IsMalicious && !match.IsSuspicious {
			return
		}
		enrichment.Matches[key] = match
		enrichment.RiskScore += weight
	}

	if event.SourceIP != "" {
		add("source_ip", s.CheckIP(event.SourceIP), riskSourceIP)
	}
	if event.DestIP != "" {
		add("dest_ip", s.CheckIP(event.DestIP), riskDestIP)
	}
	if event.Domain != "" {
		add("domain", s.CheckDomain(event.Domain), riskDomain)
	}
	if event.FileHash != "" {
		add("file_hash", s.CheckFileHash(event.FileHash), riskFileHash)
	}
	if event.JA3 != "" {
		add("ja3", s.CheckJA3(event.JA3), riskJA3)
	}
	if event.UserAgent != "" {
		add("user_agent", s.CheckUserAgent(event.UserAgent), riskUserAgent)
	}
	if event.DestPort != 0 {
		add("dest_port", s.CheckPort(event.DestPort), riskPort)
	}

	return enrichment
}

// checkCached returns the memoized verdict when fresh, otherwise recomputes
// under the stripe lock
func (s *Service) checkCached(st *stripe, key string, compute func() Match) Match {
	st.mu.Lock()
	defer st.mu.Unlock()

	ttl := time.Duration(s.cfg.CacheTTLHours) * time.Hour
	now := s.clock.Now()
	if cached, ok := st.cache[key]; ok && now.Sub(cached.checked) < ttl {
		return cached.match
	}

	match := compute()
	st.cache[key] = cachedMatch{match: match, checked: now}
	return match
}
