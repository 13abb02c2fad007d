package detection

import (
	"fmt"
	"testing"
	"time"

	"github.com/Cxiyuan/NTA/config"
	"github.com/Cxiyuan/NTA/importer/zeektypes"
	"github.com/Cxiyuan/NTA/util"

	"github.com/stretchr/testify/require"
)

func testDetector() *Detector {
	defaults := config.GetDefaultConfig()
	return NewDetector(defaults.Detection, defaults.Filtering, NewHashTracker(defaults.Detection.MaxTrackedEntries))
}

func TestLateralScanFiresOnceAtThreshold(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)
	conn := &zeektypes.Conn{DestinationPort: 445, Proto: "tcp"}

	// 19 distinct internal targets stay quiet
	for i := 1; i < 20; i++ {
		alerts := d.HandleConn("10.0.0.5", fmt.Sprintf("10.0.1.%d", i), ts, conn)
		require.Empty(t, alerts)
	}

	// the 20th target crosses the threshold
	alerts := d.HandleConn("10.0.0.5", "10.0.1.20", ts, conn)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertLateralScan, alerts[0].Type)
	require.Equal(t, SeverityHigh, alerts[0].Severity)
	require.Equal(t, "10.0.0.5", alerts[0].Source)
	require.Equal(t, 20, alerts[0].Evidence["target_count"])
	require.LessOrEqual(t, len(alerts[0].Evidence["example_targets"].([]string)), 10)

	// further targets do not re-emit
	alerts = d.HandleConn("10.0.0.5", "10.0.1.21", ts, conn)
	require.Empty(t, alerts)
}

func TestLateralScanIgnoresExternalAndNonAdminPorts(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)

	for i := 1; i <= 30; i++ {
		// external destination
		require.Empty(t, d.HandleConn("10.0.0.5", fmt.Sprintf("8.8.8.%d", i%250+1), ts, &zeektypes.Conn{DestinationPort: 445}))
		// external source
		require.Empty(t, d.HandleConn("8.8.8.8", fmt.Sprintf("10.0.1.%d", i), ts, &zeektypes.Conn{DestinationPort: 445}))
		// non-admin port
		require.Empty(t, d.HandleConn("10.0.0.5", fmt.Sprintf("10.0.1.%d", i), ts, &zeektypes.Conn{DestinationPort: 8080}))
	}
}

func TestPassTheHashAcrossHosts(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)
	ntlm := &zeektypes.NTLM{Response: "aad3b435b51404eeaad3b435b51404ee"}

	require.Empty(t, d.HandleNTLM("10.0.0.1", "10.0.2.1", ts, ntlm))
	require.Empty(t, d.HandleNTLM("10.0.0.2", "10.0.2.1", ts, ntlm))

	alerts := d.HandleNTLM("10.0.0.3", "10.0.2.1", ts, ntlm)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertPassTheHash, alerts[0].Type)
	require.Equal(t, SeverityCritical, alerts[0].Severity)
	require.Equal(t, "aad3b435b51404ee...", alerts[0].Evidence["hash"])
	require.Equal(t, 3, alerts[0].Evidence["host_count"])

	// a fourth host does not re-emit
	require.Empty(t, d.HandleNTLM("10.0.0.4", "10.0.2.1", ts, ntlm))

	// repeats from a known host never count as new
	require.Empty(t, d.HandleNTLM("10.0.0.1", "10.0.2.1", ts, ntlm))
}

func TestPassTheHashSharedAcrossLanes(t *testing.T) {
	// two detectors sharing one tracker model two worker lanes
	defaults := config.GetDefaultConfig()
	tracker := NewHashTracker(defaults.Detection.MaxTrackedEntries)
	laneA := NewDetector(defaults.Detection, defaults.Filtering, tracker)
	laneB := NewDetector(defaults.Detection, defaults.Filtering, tracker)
	ts := time.Unix(1736000000, 0)
	ntlm := &zeektypes.NTLM{Response: "deadbeefdeadbeefdeadbeefdeadbeef"}

	require.Empty(t, laneA.HandleNTLM("10.0.0.1", "10.0.2.1", ts, ntlm))
	require.Empty(t, laneB.HandleNTLM("10.0.0.2", "10.0.2.1", ts, ntlm))
	alerts := laneA.HandleNTLM("10.0.0.3", "10.0.2.1", ts, ntlm)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertPassTheHash, alerts[0].Type)
}

func TestPsexecPattern(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)

	require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Action: "SMB::FILE_OPEN", Path: `\\10.0.2.9\ADMIN$\svc.exe`}))
	// same share again does not advance the distinct count
	require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Action: "SMB::FILE_OPEN", Path: `\\10.0.2.9\ADMIN$\other.exe`}))

	alerts := d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Action: "SMB::FILE_OPEN", Path: `\\10.0.2.9\IPC$`})
	require.Len(t, alerts, 1)
	require.Equal(t, AlertPsexec, alerts[0].Type)
	require.Equal(t, SeverityCritical, alerts[0].Severity)
	require.ElementsMatch(t, []string{"ADMIN$", "IPC$"}, alerts[0].Evidence["shares"])

	// a different pair has independent state
	require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.10", ts, &zeektypes.SMB{Action: "SMB::FILE_OPEN", Path: `\\10.0.2.10\C$`}))
}

func TestPsexecRequiresFileOpenAction(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)

	// records without the exact file-open action never count, admin share or not
	require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Path: `\\10.0.2.9\ADMIN$\svc.exe`}))
	require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Action: "SMB::FILE_CLOSE", Path: `\\10.0.2.9\C$\svc.exe`}))
	require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Action: "SMB::FILE_OPEN", Path: `\\10.0.2.9\IPC$`}))

	// only the one FILE_OPEN share is on record, so the next one alerts
	alerts := d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Action: "SMB::FILE_OPEN", Path: `\\10.0.2.9\ADMIN$\svc.exe`})
	require.Len(t, alerts, 1)
	require.ElementsMatch(t, []string{"ADMIN$", "IPC$"}, alerts[0].Evidence["shares"])
}

func TestLateralScanScopedByConfiguredSubnets(t *testing.T) {
	defaults := config.GetDefaultConfig()
	subnets, err := util.NewSubnetList([]string{"192.168.50.0/24"})
	require.NoError(t, err)
	cfg := config.Filtering{InternalSubnets: subnets}
	d := NewDetector(defaults.Detection, cfg, NewHashTracker(defaults.Detection.MaxTrackedEntries))
	ts := time.Unix(1736000000, 0)

	// 10.0.0.0/8 is outside the configured scope, so nothing accumulates
	for i := 1; i <= 30; i++ {
		require.Empty(t, d.HandleConn("10.0.0.5", fmt.Sprintf("10.0.1.%d", i), ts, &zeektypes.Conn{DestinationPort: 445}))
	}

	for i := 1; i < 20; i++ {
		require.Empty(t, d.HandleConn("192.168.50.5", fmt.Sprintf("192.168.50.%d", i+100), ts, &zeektypes.Conn{DestinationPort: 445}))
	}
	alerts := d.HandleConn("192.168.50.5", "192.168.50.240", ts, &zeektypes.Conn{DestinationPort: 445})
	require.Len(t, alerts, 1)
	require.Equal(t, AlertLateralScan, alerts[0].Type)
}

func TestSMBBruteforce(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)
	fail := &zeektypes.SMB{Status: "STATUS_ACCESS_DENIED"}

	for i := 0; i < 4; i++ {
		require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.9", ts, fail))
	}
	// successes do not count
	require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Status: "STATUS_SUCCESS"}))

	alerts := d.HandleSMB("10.0.0.5", "10.0.2.9", ts, fail)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertSMBBruteforce, alerts[0].Type)
	require.Equal(t, 5, alerts[0].Evidence["failed_attempts"])

	require.Empty(t, d.HandleSMB("10.0.0.5", "10.0.2.9", ts, fail))
}

func TestWMIExecution(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)

	require.Empty(t, d.HandleDCERPC("10.0.0.5", "10.0.2.9", ts, &zeektypes.DCERPC{Endpoint: "IWbemServices"}))
	// unrelated endpoints are ignored
	require.Empty(t, d.HandleDCERPC("10.0.0.5", "10.0.2.9", ts, &zeektypes.DCERPC{Endpoint: "samr"}))

	alerts := d.HandleDCERPC("10.0.0.5", "10.0.2.9", ts, &zeektypes.DCERPC{Endpoint: "ISystemActivator"})
	require.Len(t, alerts, 1)
	require.Equal(t, AlertWMIExecution, alerts[0].Type)
	require.Equal(t, SeverityCritical, alerts[0].Severity)
	require.ElementsMatch(t, []string{"IWbemServices", "ISystemActivator"}, alerts[0].Evidence["endpoints"])
}

func TestRDPHopping(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)

	for i := 1; i < 5; i++ {
		require.Empty(t, d.HandleRDP("10.0.0.5", fmt.Sprintf("10.0.3.%d", i), ts, &zeektypes.RDP{Cookie: "admin"}))
	}
	// records without a cookie are ignored
	require.Empty(t, d.HandleRDP("10.0.0.5", "10.0.3.99", ts, &zeektypes.RDP{}))

	alerts := d.HandleRDP("10.0.0.5", "10.0.3.5", ts, &zeektypes.RDP{Cookie: "admin"})
	require.Len(t, alerts, 1)
	require.Equal(t, AlertRDPHopping, alerts[0].Type)
	require.Equal(t, 5, alerts[0].Evidence["target_count"])
}

func TestEvictionKeepsCap(t *testing.T) {
	defaults := config.GetDefaultConfig()
	cfg := defaults.Detection
	cfg.MaxTrackedEntries = 100
	d := NewDetector(cfg, defaults.Filtering, NewHashTracker(100))

	base := time.Unix(1736000000, 0)
	for i := 0; i < 250; i++ {
		src := fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)
		d.HandleConn(src, "10.0.9.1", base.Add(time.Duration(i)*time.Second), &zeektypes.Conn{DestinationPort: 445})
	}
	require.LessOrEqual(t, len(d.hosts), 100)

	// the most recent host survived eviction
	_, ok := d.hosts["10.0.0.250"]
	require.True(t, ok)
}

func TestReset(t *testing.T) {
	d := testDetector()
	ts := time.Unix(1736000000, 0)
	d.HandleConn("10.0.0.5", "10.0.1.1", ts, &zeektypes.Conn{DestinationPort: 445})
	d.HandleSMB("10.0.0.5", "10.0.2.9", ts, &zeektypes.SMB{Status: "STATUS_ACCESS_DENIED"})
	require.NotEmpty(t, d.hosts)
	require.NotEmpty(t, d.pairs)

	d.Reset()
	require.Empty(t, d.hosts)
	require.Empty(t, d.pairs)
}
