// Package zeektypes holds the wire structures for the JSON-formatted zeek log
// records the engine consumes. Field names follow the zeek field names, with
// the envelope `_path` field identifying the record kind.
package zeektypes

// Conn represents a parsed conn log line
type Conn struct {
	LogPath         string  `json:"_path"`
	TimeStamp       float64 `json:"ts"`
	UID             string  `json:"uid"`
	Source          string  `json:"id.orig_h"`
	Destination     string  `json:"id.resp_h"`
	SourcePort      int     `json:"id.orig_p"`
	DestinationPort int     `json:"id.resp_p"`
	Proto           string  `json:"proto"`
	Service         string  `json:"service"`
	Duration        float64 `json:"duration"`
	OrigBytes       uint64  `json:"orig_bytes"`
	RespBytes       uint64  `json:"resp_bytes"`
	OrigPackets     uint64  `json:"orig_pkts"`
	RespPackets     uint64  `json:"resp_pkts"`
	ConnState       string  `json:"conn_state"`
}

// NTLM represents a parsed ntlm log line
type NTLM struct {
	LogPath         string  `json:"_path"`
	TimeStamp       float64 `json:"ts"`
	UID             string  `json:"uid"`
	Source          string  `json:"id.orig_h"`
	Destination     string  `json:"id.resp_h"`
	SourcePort      int     `json:"id.orig_p"`
	DestinationPort int     `json:"id.resp_p"`
	Username        string  `json:"username"`
	Hostname        string  `json:"hostname"`
	DomainName      string  `json:"domainname"`
	Response        string  `json:"ntlm_response"`
	Success         bool    `json:"success"`
}

// SMB represents a parsed smb_files / smb_mapping log line
type SMB struct {
	LogPath         string  `json:"_path"`
	TimeStamp       float64 `json:"ts"`
	UID             string  `json:"uid"`
	Source          string  `json:"id.orig_h"`
	Destination     string  `json:"id.resp_h"`
	SourcePort      int     `json:"id.orig_p"`
	DestinationPort int     `json:"id.resp_p"`
	Action          string  `json:"action"`
	Path            string  `json:"path"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
}

// DCERPC represents a parsed dce_rpc log line
type DCERPC struct {
	LogPath         string  `json:"_path"`
	TimeStamp       float64 `json:"ts"`
	UID             string  `json:"uid"`
	Source          string  `json:"id.orig_h"`
	Destination     string  `json:"id.resp_h"`
	SourcePort      int     `json:"id.orig_p"`
	DestinationPort int     `json:"id.resp_p"`
	Operation       string  `json:"operation"`
	Endpoint        string  `json:"endpoint"`
	NamedPipe       string  `json:"named_pipe"`
}

// RDP represents a parsed rdp log line
type RDP struct {
	LogPath         string  `json:"_path"`
	TimeStamp       float64 `json:"ts"`
	UID             string  `json:"uid"`
	Source          string  `json:"id.orig_h"`
	Destination     string  `json:"id.resp_h"`
	SourcePort      int     `json:"id.orig_p"`
	DestinationPort int     `json:"id.resp_p"`
	Cookie          string  `json:"cookie"`
	Result          string  `json:"result"`
	SecurityProto   string  `json:"security_protocol"`
}

// SSL represents a parsed ssl log line
type SSL struct {
	LogPath         string  `json:"_path"`
	TimeStamp       float64 `json:"ts"`
	UID             string  `json:"uid"`
	Source          string  `json:"id.orig_h"`
	Destination     string  `json:"id.resp_h"`
	SourcePort      int     `json:"id.orig_p"`
	DestinationPort int     `json:"id.resp_p"`
	ServerName      string  `json:"server_name"`
	JA3             string  `json:"ja3"`
	Subject         string  `json:"subject"`
	Issuer          string  `json:"issuer"`
	Validated       bool    `json:"validation_status"`
}
