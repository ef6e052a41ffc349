package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/mvarga/vbreplicator/event"
)

// ErrNoRule is returned by MatchRule when no TypeRule's KeyPattern matches a
// key; Factory.Build treats this the same as an Ignore rule (drop silently).
var ErrNoRule = errors.New("request: no matching type rule")

// Outcome classifies what Factory.Build did with an event.
type Outcome int

const (
	// Produced means req is populated and ready for the worker queue.
	Produced Outcome = iota
	// Dropped means the event matched an ignore rule, matched no rule, or
	// was a deletion a rule chose to ignore. Not an error.
	Dropped
	// Rejected means the event matched a rule but could not be turned into
	// a valid IndexRequest (e.g. malformed JSON body). The caller should
	// route it to a RejectLog.
	Rejected
)

// Factory turns ReplicationEvents into IndexRequests using first-match-wins
// TypeRule matching, the way graph's node registry picks the first edge
// whose condition passes.
type Factory struct {
	rules []TypeRule
}

// NewFactory builds a Factory from rules, preserving their order: the first
// rule whose KeyPattern matches a key wins.
func NewFactory(rules []TypeRule) *Factory {
	cp := make([]TypeRule, len(rules))
	copy(cp, rules)
	return &Factory{rules: cp}
}

// MatchRule returns the first rule whose KeyPattern matches key, or
// ErrNoRule if none does.
func (f *Factory) MatchRule(key string) (TypeRule, error) {
	for _, r := range f.rules {
		ok, err := path.Match(r.KeyPattern, key)
		if err != nil {
			return TypeRule{}, fmt.Errorf("request: bad key pattern %q: %w", r.KeyPattern, err)
		}
		if ok {
			return r, nil
		}
	}
	return TypeRule{}, ErrNoRule
}

// Build matches ev against the configured rules and, if a rule applies,
// projects it into an IndexRequest. SnapshotMarker events never produce a
// request; callers route those straight to checkpoint accounting.
func (f *Factory) Build(ev event.ReplicationEvent) (IndexRequest, Outcome, error) {
	if ev.Kind == event.SnapshotMarker {
		return IndexRequest{}, Dropped, nil
	}

	rule, err := f.MatchRule(ev.Key)
	if err != nil {
		if errors.Is(err, ErrNoRule) {
			return IndexRequest{}, Dropped, nil
		}
		return IndexRequest{}, Rejected, err
	}
	if rule.Ignore {
		return IndexRequest{}, Dropped, nil
	}

	req := IndexRequest{
		IndexName:          rule.IndexName,
		Routing:            rule.Routing,
		Pipeline:           rule.Pipeline,
		DocID:              renderDocID(rule.DocIDFormat, rule.TypeName, ev.Key),
		Version:            ev.RevSeqNo,
		Partition:          ev.Partition,
		Seqno:              ev.Seqno,
		VBucketUUID:        ev.VBucketUUID,
		SnapshotStartSeqno: ev.SnapshotStartSeqno,
		SnapshotEndSeqno:   ev.SnapshotEndSeqno,
	}

	if ev.Kind == event.Deletion {
		if rule.IgnoreDeletes {
			return IndexRequest{}, Dropped, nil
		}
		req.Op = Delete
		return req, Produced, nil
	}

	body, err := project(ev.Body, rule, ev)
	if err != nil {
		return IndexRequest{}, Rejected, fmt.Errorf("request: project %q: %w", ev.Key, err)
	}
	req.Op = Upsert
	req.Body = body
	return req, Produced, nil
}

func renderDocID(format, typeName, key string) string {
	if format == "" {
		return key
	}
	replacer := strings.NewReplacer("{key}", key, "{type}", typeName)
	return replacer.Replace(format)
}

// project decodes body as a JSON object, applies the rule's whitelist and
// rename, injects requested metadata, then re-encodes it. A body that isn't
// a JSON object is a malformed payload and returns an error.
func project(body []byte, rule TypeRule, ev event.ReplicationEvent) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed JSON body: %w", err)
	}
	if doc == nil {
		return nil, errors.New("malformed JSON body: not a JSON object")
	}

	ds := rule.DocStructure
	if len(ds.Whitelist) > 0 {
		filtered := make(map[string]interface{}, len(ds.Whitelist))
		for _, field := range ds.Whitelist {
			if v, ok := doc[field]; ok {
				filtered[field] = v
			}
		}
		doc = filtered
	}
	if len(ds.Rename) > 0 {
		renamed := make(map[string]interface{}, len(doc))
		for k, v := range doc {
			if to, ok := ds.Rename[k]; ok {
				renamed[to] = v
				continue
			}
			renamed[k] = v
		}
		doc = renamed
	}
	if ds.InjectType {
		doc["type"] = rule.TypeName
	}
	if ds.InjectCas {
		doc["cas"] = ev.Cas
	}
	if ds.InjectRev {
		doc["rev"] = ev.RevSeqNo
	}

	return json.Marshal(doc)
}
