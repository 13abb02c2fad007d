// Package importer turns raw zeek JSON log lines into typed records for the
// detection pipeline. The classifier is stateless; counters track what was
// seen and what was dropped.
package importer

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/Cxiyuan/NTA/importer/zeektypes"
	"github.com/Cxiyuan/NTA/util"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUnknownKind   = errors.New("unrecognized log path, skipping entry")
	ErrMalformedLine = errors.New("unable to parse log entry, skipping entry")
	errParseSrcDst   = errors.New("unable to parse valid ip address pair from log entry, skipping entry")
)

// RecordKind identifies which zeek log a record came from
type RecordKind int

const (
	KindUnknown RecordKind = iota
	KindConn
	KindNTLM
	KindSMB
	KindDCERPC
	KindRDP
	KindSSL
)

func (k RecordKind) String() string {
	switch k {
	case KindConn:
		return "conn"
	case KindNTLM:
		return "ntlm"
	case KindSMB:
		return "smb"
	case KindDCERPC:
		return "dce_rpc"
	case KindRDP:
		return "rdp"
	case KindSSL:
		return "ssl"
	default:
		return "unknown"
	}
}

// Record is the classified form of a single log line. Exactly one of the
// typed pointers is set, matching Kind. Source and Destination hold the
// canonical addresses shared by every record kind.
type Record struct {
	Kind        RecordKind
	Timestamp   time.Time
	Source      string
	Destination string

	Conn   *zeektypes.Conn
	NTLM   *zeektypes.NTLM
	SMB    *zeektypes.SMB
	DCERPC *zeektypes.DCERPC
	RDP    *zeektypes.RDP
	SSL    *zeektypes.SSL
}

// SourceHost returns the canonical source address used for lane assignment
func (r *Record) SourceHost() string {
	return r.Source
}

// Classifier routes raw log lines to their typed record form. Unknown kinds
// are skipped without error counting; malformed lines increment ParseFailures.
type Classifier struct {
	TotalLines    uint64
	ParseFailures uint64
	UnknownKinds  uint64
	perKind       [7]uint64
}

// envelope is decoded first to pick the record kind without committing to a
// full record shape
type envelope struct {
	LogPath string `json:"_path"`
}

// NewClassifier returns a zeroed classifier ready for use
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify decodes one JSON log line into a typed record. The returned error
// is ErrUnknownKind for kinds the engine does not consume and ErrMalformedLine
// for lines that fail to decode or lack a valid address pair.
func (c *Classifier) Classify(line []byte) (Record, error) {
	atomic.AddUint64(&c.TotalLines, 1)

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		atomic.AddUint64(&c.ParseFailures, 1)
		return Record{}, ErrMalformedLine
	}

	var rec Record
	var err error
	switch env.LogPath {
	case "conn":
		var entry zeektypes.Conn
		if err = json.Unmarshal(line, &entry); err == nil {
			rec, err = newRecord(KindConn, entry.TimeStamp, entry.Source, entry.Destination)
			rec.Conn = &entry
		}
	case "ntlm":
		var entry zeektypes.NTLM
		if err = json.Unmarshal(line, &entry); err == nil {
			rec, err = newRecord(KindNTLM, entry.TimeStamp, entry.Source, entry.Destination)
			rec.NTLM = &entry
		}
	case "smb_files", "smb_mapping":
		var entry zeektypes.SMB
		if err = json.Unmarshal(line, &entry); err == nil {
			rec, err = newRecord(KindSMB, entry.TimeStamp, entry.Source, entry.Destination)
			rec.SMB = &entry
		}
	case "dce_rpc":
		var entry zeektypes.DCERPC
		if err = json.Unmarshal(line, &entry); err == nil {
			rec, err = newRecord(KindDCERPC, entry.TimeStamp, entry.Source, entry.Destination)
			rec.DCERPC = &entry
		}
	case "rdp":
		var entry zeektypes.RDP
		if err = json.Unmarshal(line, &entry); err == nil {
			rec, err = newRecord(KindRDP, entry.TimeStamp, entry.Source, entry.Destination)
			rec.RDP = &entry
		}
	case "ssl":
		var entry zeektypes.SSL
		if err = json.Unmarshal(line, &entry); err == nil {
			rec, err = newRecord(KindSSL, entry.TimeStamp, entry.Source, entry.Destination)
			rec.SSL = &entry
		}
	default:
		atomic.AddUint64(&c.UnknownKinds, 1)
		return Record{}, ErrUnknownKind
	}

	if err != nil {
		atomic.AddUint64(&c.ParseFailures, 1)
		return Record{}, ErrMalformedLine
	}

	atomic.AddUint64(&c.perKind[rec.Kind], 1)
	return rec, nil
}

// KindCount returns how many records of a given kind have been classified
func (c *Classifier) KindCount(kind RecordKind) uint64 {
	return atomic.LoadUint64(&c.perKind[kind])
}

// newRecord builds the shared record envelope, canonicalizing the address
// pair so every downstream component keys on one representation. Zero and
// negative log timestamps are replaced with a minimal valid one.
func newRecord(kind RecordKind, ts float64, src, dst string) (Record, error) {
	srcIP := net.ParseIP(src)
	dstIP := net.ParseIP(dst)
	if srcIP == nil || dstIP == nil {
		return Record{}, errParseSrcDst
	}

	timestamp, _ := util.ValidateTimestamp(time.Unix(int64(ts), int64((ts-float64(int64(ts)))*1e9)))

	return Record{
		Kind:        kind,
		Timestamp:   timestamp,
		Source:      srcIP.String(),
		Destination: dstIP.String(),
	}, nil
}
