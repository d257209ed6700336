package output

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/vburojevic/wvctx/internal/domain"
)

// SchemaVersion is stamped on every NDJSON object.
const SchemaVersion = domain.SchemaVersion

// ErrorOutput is the NDJSON error object.
type ErrorOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
}

// Ready is emitted once a long-running command is serving.
type Ready struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	Mode          string `json:"mode"`
	Serial        string `json:"serial,omitempty"`
	AppPackage    string `json:"app_package,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Context       string `json:"context,omitempty"`
}

// Heartbeat is emitted periodically by watch.
type Heartbeat struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Polls         int    `json:"polls"`
	Contexts      int    `json:"contexts"`
}

// TriggerResult reports an --on-change command run by watch.
type TriggerResult struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	Command       string `json:"command"`
	Context       string `json:"context"`
	ExitCode      int    `json:"exit_code"`
	Error         string `json:"error,omitempty"`
}

// NDJSONWriter writes one JSON object per line. It is safe for concurrent use.
type NDJSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewNDJSONWriter creates a writer on w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w)}
}

// Write encodes v on its own line.
func (w *NDJSONWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func (w *NDJSONWriter) WriteContexts(list *domain.ContextList) error { return w.Write(list) }

func (w *NDJSONWriter) WriteSwitch(ev *domain.ContextSwitch) error { return w.Write(ev) }

func (w *NDJSONWriter) WriteChange(ev *domain.ContextChange) error { return w.Write(ev) }

func (w *NDJSONWriter) WriteProxyStopped(ev *domain.ProxyStopped) error { return w.Write(ev) }

func (w *NDJSONWriter) WriteHeartbeat(hb *Heartbeat) error { return w.Write(hb) }

func (w *NDJSONWriter) WriteTrigger(tr *TriggerResult) error { return w.Write(tr) }

// WriteError writes an error object. Only the first hint is kept.
func (w *NDJSONWriter) WriteError(code, message string, hint ...string) error {
	out := &ErrorOutput{
		Type:          "error",
		SchemaVersion: SchemaVersion,
		Code:          code,
		Message:       message,
	}
	if len(hint) > 0 {
		out.Hint = hint[0]
	}
	return w.Write(out)
}

// WriteReady announces that mode is running.
func (w *NDJSONWriter) WriteReady(mode, serial, appPackage, addr, context string) error {
	return w.Write(&Ready{
		Type:          "ready",
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Mode:          mode,
		Serial:        serial,
		AppPackage:    appPackage,
		Addr:          addr,
		Context:       context,
	})
}
