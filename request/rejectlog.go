package request

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mvarga/vbreplicator/event"
)

// RejectedRecord is one line of a RejectLog: the original event's identity,
// why it was rejected, and when.
type RejectedRecord struct {
	Partition int       `json:"partition"`
	Seqno     uint64    `json:"seqno"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	Time      time.Time `json:"time"`
}

// RejectLog is an append-only JSON Lines sink for events Factory.Build could
// not turn into an IndexRequest. It never blocks the replication path on
// downstream consumers of the log; callers are expected to write to a local
// file or similar low-latency sink.
type RejectLog struct {
	mu sync.Mutex
	w  io.Writer
}

// NewRejectLog wraps w (typically an *os.File opened for append) as a
// RejectLog.
func NewRejectLog(w io.Writer) *RejectLog {
	return &RejectLog{w: w}
}

// Append writes one record. now is passed in rather than taken from
// time.Now() so callers control time and log output remain deterministic in
// tests.
func (l *RejectLog) Append(ev event.ReplicationEvent, reason string, now time.Time) error {
	rec := RejectedRecord{
		Partition: ev.Partition,
		Seqno:     ev.Seqno,
		Key:       ev.Key,
		Reason:    reason,
		Time:      now,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("request: marshal reject record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(line)
	return err
}
