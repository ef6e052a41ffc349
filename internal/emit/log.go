package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// RedactionLevel controls how much of a mutation's payload is included in
// emitted events, per the config.logging.redactionLevel setting.
type RedactionLevel int

const (
	// RedactNone includes event Meta verbatim.
	RedactNone RedactionLevel = iota
	// RedactBody strips "body" and "xattrs" keys from Meta.
	RedactBody
	// RedactFull strips Meta entirely, keeping only Partition/Seqno/Msg.
	RedactFull
)

// LogEmitter writes events as structured text or JSON lines to a writer.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
	redact   RedactionLevel
}

// NewLogEmitter creates a LogEmitter. jsonMode selects JSON Lines output
// over human-readable text; redact controls payload redaction.
func NewLogEmitter(writer io.Writer, jsonMode bool, redact RedactionLevel) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode, redact: redact}
}

func (l *LogEmitter) redactMeta(meta map[string]interface{}) map[string]interface{} {
	if l.redact == RedactNone || len(meta) == 0 {
		return meta
	}
	if l.redact == RedactFull {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if k == "body" || k == "xattrs" {
			continue
		}
		out[k] = v
	}
	return out
}

func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	event.Meta = l.redactMeta(event.Meta)
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Partition int                    `json:"partition"`
		Seqno     uint64                 `json:"seqno"`
		Msg       string                 `json:"msg"`
		Meta      map[string]interface{} `json:"meta,omitempty"`
	}{event.Partition, event.Seqno, event.Msg, event.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] partition=%d seqno=%d", event.Msg, event.Partition, event.Seqno)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously to the underlying writer.
func (l *LogEmitter) Flush(context.Context) error { return nil }
