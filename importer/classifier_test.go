package importer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyConn(t *testing.T) {
	c := NewClassifier()
	line := []byte(`{"_path":"conn","ts":1736000000.5,"uid":"CABC123","id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9","id.orig_p":51234,"id.resp_p":445,"proto":"tcp","service":"smb","duration":1.25,"orig_bytes":100,"resp_bytes":2000}`)

	rec, err := c.Classify(line)
	require.NoError(t, err)
	require.Equal(t, KindConn, rec.Kind)
	require.NotNil(t, rec.Conn)
	require.Equal(t, "10.0.0.5", rec.Source)
	require.Equal(t, "10.0.0.9", rec.Destination)
	require.Equal(t, 445, rec.Conn.DestinationPort)
	require.Equal(t, "tcp", rec.Conn.Proto)
	require.Equal(t, time.Unix(1736000000, 0).Unix(), rec.Timestamp.Unix())
	require.EqualValues(t, 1, c.KindCount(KindConn))
}

func TestClassifyRoutesByPath(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind RecordKind
	}{
		{"ntlm", `{"_path":"ntlm","ts":1,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9","ntlm_response":"aad3b435b51404ee"}`, KindNTLM},
		{"smb_files", `{"_path":"smb_files","ts":1,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9","action":"SMB::FILE_OPEN","path":"\\\\10.0.0.9\\ADMIN$"}`, KindSMB},
		{"smb_mapping", `{"_path":"smb_mapping","ts":1,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9","path":"\\\\10.0.0.9\\IPC$"}`, KindSMB},
		{"dce_rpc", `{"_path":"dce_rpc","ts":1,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9","endpoint":"IWbemServices"}`, KindDCERPC},
		{"rdp", `{"_path":"rdp","ts":1,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9","cookie":"admin"}`, KindRDP},
		{"ssl", `{"_path":"ssl","ts":1,"id.orig_h":"10.0.0.5","id.resp_h":"1.2.3.4","server_name":"example.com","ja3":"abc"}`, KindSSL},
	}

	c := NewClassifier()
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec, err := c.Classify([]byte(test.line))
			require.NoError(t, err)
			require.Equal(t, test.kind, rec.Kind)
		})
	}
}

func TestClassifyUnknownKind(t *testing.T) {
	c := NewClassifier()
	_, err := c.Classify([]byte(`{"_path":"dns","ts":1,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9"}`))
	require.ErrorIs(t, err, ErrUnknownKind)
	require.EqualValues(t, 1, c.UnknownKinds)
	require.EqualValues(t, 0, c.ParseFailures)
}

func TestClassifyMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"invalid json", `{"_path":"conn","ts":`},
		{"missing addresses", `{"_path":"conn","ts":1}`},
		{"bad source ip", `{"_path":"conn","ts":1,"id.orig_h":"not-an-ip","id.resp_h":"10.0.0.9"}`},
	}

	c := NewClassifier()
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := c.Classify([]byte(test.line))
			require.ErrorIs(t, err, ErrMalformedLine)
		})
	}
	require.EqualValues(t, uint64(len(tests)), c.ParseFailures)
}

func TestClassifyReplacesInvalidTimestamp(t *testing.T) {
	c := NewClassifier()

	// a zeroed log timestamp becomes the minimal valid one
	rec, err := c.Classify([]byte(`{"_path":"conn","ts":0,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9"}`))
	require.NoError(t, err)
	require.Equal(t, time.Unix(0, 1), rec.Timestamp)

	rec, err = c.Classify([]byte(`{"_path":"conn","ts":-5,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.9"}`))
	require.NoError(t, err)
	require.Equal(t, time.Unix(0, 1), rec.Timestamp)
}

func TestClassifyCanonicalAddresses(t *testing.T) {
	c := NewClassifier()
	// IPv4 in IPv6 form collapses to dotted quad
	rec, err := c.Classify([]byte(`{"_path":"conn","ts":1,"id.orig_h":"::ffff:10.0.0.5","id.resp_h":"10.0.0.9"}`))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", rec.Source)
	require.Equal(t, "10.0.0.5", rec.SourceHost())
}
