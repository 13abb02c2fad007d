// Package detection implements the stateful rule detectors for lateral
// movement: internal scanning, pass-the-hash, admin share abuse, SMB
// bruteforce, WMI execution and RDP hopping. Each detector keeps monotonic
// counters per host or host pair and emits an alert exactly once, on the
// observation that crosses its threshold.
package detection

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Cxiyuan/NTA/config"
	"github.com/Cxiyuan/NTA/importer/zeektypes"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// alert type names shared with the fusion layer
const (
	AlertLateralScan   = "LATERAL_SCAN"
	AlertPassTheHash   = "PASS_THE_HASH"
	AlertPsexec        = "PSEXEC"
	AlertSMBBruteforce = "SMB_BRUTEFORCE"
	AlertWMIExecution  = "WMI_EXECUTION"
	AlertRDPHopping    = "RDP_HOPPING"
)

const maxExampleTargets = 10

// wmiEndpoints are the DCE/RPC interfaces used for remote WMI execution
var wmiEndpoints = []string{"IWbemServices", "ISystemActivator", "IWbemLevel1Login"}

// adminShares are the windows administrative shares abused by psexec-style tools
var adminShares = []string{"ADMIN$", "C$", "IPC$"}

// Alert is a single rule detector finding
type Alert struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Source      string         `json:"source"`
	Destination string         `json:"destination,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// hostActivity tracks per-source state for the scan and rdp detectors
type hostActivity struct {
	scanTargets  map[string]struct{}
	scanPorts    map[uint16]struct{}
	rdpTargets   map[string]struct{}
	lastSeen     time.Time
	scanAlerted  bool
	rdpAlerted   bool
}

// pairActivity tracks per src->dst state for the smb and wmi detectors
type pairActivity struct {
	adminShares  map[string]struct{}
	wmiEndpoints map[string]struct{}
	failedAuth   int
	lastSeen     time.Time
	smbAlerted   bool
	bruteAlerted bool
	wmiAlerted   bool
}

// HashTracker maps NTLM hash values to the set of source hosts that presented
// them. The same credential material can surface on any worker lane, so this
// state is shared and guarded by a mutex.
type HashTracker struct {
	mu      sync.Mutex
	hashes  map[string]*hashActivity
	maxSize int
}

type hashActivity struct {
	hosts    map[string]struct{}
	lastSeen time.Time
	alerted  bool
}

func NewHashTracker(maxSize int) *HashTracker {
	return &HashTracker{
		hashes:  make(map[string]*hashActivity),
		maxSize: maxSize,
	}
}

// Observe records that a host presented an NTLM hash and reports the distinct
// host count for that hash. The alerted flag trips once per hash.
func (t *HashTracker) Observe(hash, host string, ts time.Time) (count int, shouldAlert bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.hashes[hash]
	if !ok {
		if len(t.hashes) >= t.maxSize {
			evictOldestHash(t.hashes)
		}
		entry = &hashActivity{hosts: make(map[string]struct{})}
		t.hashes[hash] = entry
	}
	entry.hosts[host] = struct{}{}
	entry.lastSeen = ts
	return len(entry.hosts), !entry.alerted
}

func (t *HashTracker) markAlerted(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.hashes[hash]; ok {
		entry.alerted = true
	}
}

// Reset clears all tracked hashes
func (t *HashTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hashes = make(map[string]*hashActivity)
}

// Detector holds the per-lane rule state. A detector instance is owned by a
// single worker lane and is not safe for concurrent use; only the hash
// tracker is shared across lanes.
type Detector struct {
	cfg    config.Detection
	filter config.Filtering
	hashes *HashTracker
	hosts  map[string]*hostActivity
	pairs  map[string]*pairActivity

	adminPorts map[uint16]struct{}
}

func NewDetector(cfg config.Detection, filter config.Filtering, hashes *HashTracker) *Detector {
	adminPorts := make(map[uint16]struct{}, len(cfg.AdminPorts))
	for _, port := range cfg.AdminPorts {
		adminPorts[port] = struct{}{}
	}
	return &Detector{
		cfg:        cfg,
		filter:     filter,
		hashes:     hashes,
		hosts:      make(map[string]*hostActivity),
		pairs:      make(map[string]*pairActivity),
		adminPorts: adminPorts,
	}
}

// Reset clears all per-lane detector state
func (d *Detector) Reset() {
	d.hosts = make(map[string]*hostActivity)
	d.pairs = make(map[string]*pairActivity)
}

// HandleConn feeds a conn record to the scan detector. Only connections where
// both endpoints fall in the configured internal subnets and the destination
// port is an administrative port count toward the fan-out threshold.
func (d *Detector) HandleConn(src, dst string, ts time.Time, entry *zeektypes.Conn) []Alert {
	if !d.filter.AddrIsInternal(src) || !d.filter.AddrIsInternal(dst) {
		return nil
	}

	port := uint16(entry.DestinationPort)
	if _, ok := d.adminPorts[port]; !ok {
		return nil
	}

	host := d.host(src, ts)
	host.scanTargets[dst] = struct{}{}
	host.scanPorts[port] = struct{}{}

	if len(host.scanTargets) >= d.cfg.ScanThreshold && !host.scanAlerted {
		host.scanAlerted = true
		return []Alert{{
			Type:        AlertLateralScan,
			Severity:    SeverityHigh,
			Source:      src,
			Timestamp:   ts,
			Description: fmt.Sprintf("host scanned %d internal targets on administrative ports", len(host.scanTargets)),
			Evidence: map[string]any{
				"target_count":    len(host.scanTargets),
				"example_targets": exampleSet(host.scanTargets, maxExampleTargets),
				"ports":           portList(host.scanPorts),
			},
		}}
	}
	return nil
}

// HandleNTLM feeds an ntlm record to the pass-the-hash detector
func (d *Detector) HandleNTLM(src, dst string, ts time.Time, entry *zeektypes.NTLM) []Alert {
	if entry.Response == "" {
		return nil
	}

	count, fresh := d.hashes.Observe(entry.Response, src, ts)
	if count >= d.cfg.HashReuseThreshold && fresh {
		d.hashes.markAlerted(entry.Response)
		return []Alert{{
			Type:        AlertPassTheHash,
			Severity:    SeverityCritical,
			Source:      src,
			Destination: dst,
			Timestamp:   ts,
			Description: fmt.Sprintf("NTLM hash reused from %d distinct hosts", count),
			Evidence: map[string]any{
				"hash":       truncateHash(entry.Response),
				"host_count": count,
			},
		}}
	}
	return nil
}

// HandleSMB feeds an smb record to the admin share and bruteforce detectors
func (d *Detector) HandleSMB(src, dst string, ts time.Time, entry *zeektypes.SMB) []Alert {
	var alerts []Alert
	pair := d.pair(src, dst, ts)

	if entry.Action == "SMB::FILE_OPEN" {
		path := entry.Path
		if path == "" {
			path = entry.Name
		}
		for _, share := range adminShares {
			if strings.Contains(path, share) {
				pair.adminShares[share] = struct{}{}
				break
			}
		}
		if len(pair.adminShares) >= d.cfg.AdminShareThreshold && !pair.smbAlerted {
			pair.smbAlerted = true
			alerts = append(alerts, Alert{
				Type:        AlertPsexec,
				Severity:    SeverityCritical,
				Source:      src,
				Destination: dst,
				Timestamp:   ts,
				Description: fmt.Sprintf("access to %d administrative shares on a single target", len(pair.adminShares)),
				Evidence: map[string]any{
					"shares": exampleSet(pair.adminShares, len(adminShares)),
				},
			})
		}
	}

	if entry.Status != "" && entry.Status != "STATUS_SUCCESS" {
		pair.failedAuth++
		if pair.failedAuth >= d.cfg.AuthFailThreshold && !pair.bruteAlerted {
			pair.bruteAlerted = true
			alerts = append(alerts, Alert{
				Type:        AlertSMBBruteforce,
				Severity:    SeverityCritical,
				Source:      src,
				Destination: dst,
				Timestamp:   ts,
				Description: fmt.Sprintf("%d failed SMB authentication attempts against a single target", pair.failedAuth),
				Evidence: map[string]any{
					"failed_attempts": pair.failedAuth,
				},
			})
		}
	}

	return alerts
}

// HandleDCERPC feeds a dce_rpc record to the WMI execution detector
func (d *Detector) HandleDCERPC(src, dst string, ts time.Time, entry *zeektypes.DCERPC) []Alert {
	matched := ""
	for _, endpoint := range wmiEndpoints {
		if strings.Contains(entry.Endpoint, endpoint) {
			matched = endpoint
			break
		}
	}
	if matched == "" {
		return nil
	}

	pair := d.pair(src, dst, ts)
	pair.wmiEndpoints[matched] = struct{}{}

	if len(pair.wmiEndpoints) >= d.cfg.WMIEndpointThreshold && !pair.wmiAlerted {
		pair.wmiAlerted = true
		return []Alert{{
			Type:        AlertWMIExecution,
			Severity:    SeverityCritical,
			Source:      src,
			Destination: dst,
			Timestamp:   ts,
			Description: "remote WMI execution interfaces accessed",
			Evidence: map[string]any{
				"endpoints": exampleSet(pair.wmiEndpoints, len(wmiEndpoints)),
			},
		}}
	}
	return nil
}

// HandleRDP feeds an rdp record to the RDP hopping detector
func (d *Detector) HandleRDP(src, dst string, ts time.Time, entry *zeektypes.RDP) []Alert {
	if entry.Cookie == "" {
		return nil
	}

	host := d.host(src, ts)
	host.rdpTargets[dst] = struct{}{}

	if len(host.rdpTargets) >= d.cfg.RDPTargetThreshold && !host.rdpAlerted {
		host.rdpAlerted = true
		return []Alert{{
			Type:        AlertRDPHopping,
			Severity:    SeverityHigh,
			Source:      src,
			Timestamp:   ts,
			Description: fmt.Sprintf("host opened RDP sessions to %d distinct targets", len(host.rdpTargets)),
			Evidence: map[string]any{
				"target_count":    len(host.rdpTargets),
				"example_targets": exampleSet(host.rdpTargets, maxExampleTargets),
			},
		}}
	}
	return nil
}

// host returns the activity entry for a source host, creating it lazily and
// evicting the coldest entry when the tracking cap is hit
func (d *Detector) host(src string, ts time.Time) *hostActivity {
	entry, ok := d.hosts[src]
	if !ok {
		if len(d.hosts) >= d.cfg.MaxTrackedEntries {
			evictOldestHost(d.hosts)
		}
		entry = &hostActivity{
			scanTargets: make(map[string]struct{}),
			scanPorts:   make(map[uint16]struct{}),
			rdpTargets:  make(map[string]struct{}),
		}
		d.hosts[src] = entry
	}
	entry.lastSeen = ts
	return entry
}

func (d *Detector) pair(src, dst string, ts time.Time) *pairActivity {
	key := src + "->" + dst
	entry, ok := d.pairs[key]
	if !ok {
		if len(d.pairs) >= d.cfg.MaxTrackedEntries {
			evictOldestPair(d.pairs)
		}
		entry = &pairActivity{
			adminShares:  make(map[string]struct{}),
			wmiEndpoints: make(map[string]struct{}),
		}
		d.pairs[key] = entry
	}
	entry.lastSeen = ts
	return entry
}

func evictOldestHost(entries map[string]*hostActivity) {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, entry := range entries {
		if first || entry.lastSeen.Before(oldest) {
			oldestKey, oldest = key, entry.lastSeen
			first = false
		}
	}
	delete(entries, oldestKey)
}

func evictOldestPair(entries map[string]*pairActivity) {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, entry := range entries {
		if first || entry.lastSeen.Before(oldest) {
			oldestKey, oldest = key, entry.lastSeen
			first = false
		}
	}
	delete(entries, oldestKey)
}

func evictOldestHash(entries map[string]*hashActivity) {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, entry := range entries {
		if first || entry.lastSeen.Before(oldest) {
			oldestKey, oldest = key, entry.lastSeen
			first = false
		}
	}
	delete(entries, oldestKey)
}

// truncateHash shortens credential material for display in alerts
func truncateHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16] + "..."
	}
	return hash
}

func exampleSet(set map[string]struct{}, limit int) []string {
	examples := make([]string, 0, limit)
	for member := range set {
		if len(examples) >= limit {
			break
		}
		examples = append(examples, member)
	}
	return examples
}

func portList(set map[uint16]struct{}) []uint16 {
	ports := make([]uint16, 0, len(set))
	for port := range set {
		ports = append(ports, port)
	}
	return ports
}
