package emit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mvarga/vbreplicator/internal/emit"
)

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	e := emit.NewLogEmitter(&buf, false, emit.RedactNone)
	e.Emit(emit.Event{Partition: 3, Seqno: 42, Msg: emit.MsgCheckpointSaved})

	out := buf.String()
	if !strings.Contains(out, "checkpoint_saved") || !strings.Contains(out, "partition=3") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	e := emit.NewLogEmitter(&buf, true, emit.RedactNone)
	e.Emit(emit.Event{Partition: 1, Seqno: 7, Msg: "x", Meta: map[string]interface{}{"body": "secret"}})

	var decoded struct {
		Partition int                    `json:"partition"`
		Seqno     uint64                 `json:"seqno"`
		Msg       string                 `json:"msg"`
		Meta      map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if decoded.Meta["body"] != "secret" {
		t.Fatalf("expected unredacted body, got %v", decoded.Meta)
	}
}

func TestLogEmitterRedactsBody(t *testing.T) {
	var buf bytes.Buffer
	e := emit.NewLogEmitter(&buf, true, emit.RedactBody)
	e.Emit(emit.Event{Msg: "x", Meta: map[string]interface{}{"body": "secret", "keep": "yes"}})

	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("body should have been redacted: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "yes") {
		t.Fatalf("non-redacted key should survive: %s", buf.String())
	}
}

func TestLogEmitterRedactFullStripsMeta(t *testing.T) {
	var buf bytes.Buffer
	e := emit.NewLogEmitter(&buf, true, emit.RedactFull)
	e.Emit(emit.Event{Msg: "x", Meta: map[string]interface{}{"body": "secret"}})
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("meta should be stripped entirely: %s", buf.String())
	}
}

func TestNullEmitterDiscardsEvents(t *testing.T) {
	n := emit.NewNullEmitter()
	n.Emit(emit.Event{Msg: "x"})
	if err := n.EmitBatch(context.Background(), []emit.Event{{Msg: "y"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBufferedEmitterRecordsByPartition(t *testing.T) {
	b := emit.NewBufferedEmitter()
	b.Emit(emit.Event{Partition: 1, Msg: "a"})
	b.Emit(emit.Event{Partition: 1, Msg: "b"})
	b.Emit(emit.Event{Partition: 2, Msg: "c"})

	if got := b.History(1); len(got) != 2 {
		t.Fatalf("expected 2 events for partition 1, got %d", len(got))
	}
	if got := b.All(); len(got) != 3 {
		t.Fatalf("expected 3 total events, got %d", len(got))
	}
}
