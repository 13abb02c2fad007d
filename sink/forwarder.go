package sink

import (
	"context"
	"os"
	"sync"

	"github.com/Cxiyuan/NTA/logger"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const fileAppendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// LogForwarder emits alerts through the structured logger
type LogForwarder struct{}

func (LogForwarder) Forward(_ context.Context, alert Alert) error {
	zlog := logger.GetLogger()
	event := zlog.Warn()
	if alert.Severity == "CRITICAL" {
		event = zlog.Error()
	}
	event.
		Str("alert_id", alert.AlertID).
		Str("severity", alert.Severity).
		Float64("score", alert.Score).
		Float64("confidence", alert.Confidence).
		Str("source", alert.EventSummary.Source).
		Str("destination", alert.EventSummary.Destination).
		Str("type", alert.EventSummary.Type).
		Strs("detections", alert.Detections).
		Str("recommended_action", string(alert.RecommendedAction)).
		Msg("lateral movement alert")
	return nil
}

// FileForwarder appends alerts as JSON lines to a file
type FileForwarder struct {
	mu   sync.Mutex
	afs  afero.Fs
	path string
}

func NewFileForwarder(afs afero.Fs, path string) *FileForwarder {
	return &FileForwarder{afs: afs, path: path}
}

func (f *FileForwarder) Forward(_ context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := f.afs.OpenFile(f.path, fileAppendFlags, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
