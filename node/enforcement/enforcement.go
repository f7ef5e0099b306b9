// Package enforcement acts on receipts after a run. The only policy today is quarantine:
// artifacts that crashed or hung a worker are refused until released.
package enforcement

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/policy"
	"accelrun/core/receipt"
)

// Enforcer applies a policy to a finished run; it must tolerate partial receipts.
type Enforcer interface {
	Enforce(ctx context.Context, rec *receipt.Receipt) error
}

// NoopEnforcer performs no enforcement and always returns nil.
type NoopEnforcer struct{}

func (NoopEnforcer) Enforce(context.Context, *receipt.Receipt) error { return nil }

// Entry records why an artifact was quarantined.
type Entry struct {
	Digest  string    `json:"digest"`
	Source  string    `json:"source,omitempty"`
	Outcome string    `json:"outcome"`
	Signal  string    `json:"signal,omitempty"`
	RunID   string    `json:"run_id"`
	Since   time.Time `json:"since"`
	// Reasons lists the policy rules the run violated.
	Reasons []string `json:"reasons,omitempty"`
}

// Quarantine is a JSON file of artifact digests whose runs violated Policy, by default runs
// that crashed or timed out. With an empty Path it only keeps entries in memory.
type Quarantine struct {
	Path   string
	Policy policy.Policy

	mu      sync.Mutex
	loaded  bool
	entries map[string]Entry
}

// NewQuarantine opens the quarantine list stored at path; the file need not exist yet.
func NewQuarantine(path string) (*Quarantine, error) {
	q := &Quarantine{Path: path, Policy: policy.Quarantine()}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q, q.loadLocked()
}

func (q *Quarantine) loadLocked() error {
	if q.loaded {
		return nil
	}
	q.entries = map[string]Entry{}
	q.loaded = true
	if q.Path == "" {
		return nil
	}
	data, err := os.ReadFile(q.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading quarantine list")
	}
	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrapf(err, "parsing quarantine list %s", q.Path)
	}
	for _, e := range list {
		q.entries[e.Digest] = e
	}
	return nil
}

func (q *Quarantine) saveLocked() error {
	if q.Path == "" {
		return nil
	}
	list := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Digest < list[j].Digest })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(q.Path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp := q.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, q.Path))
}

// Enforce quarantines the receipt's artifact when the run violates the policy.
func (q *Quarantine) Enforce(ctx context.Context, rec *receipt.Receipt) error {
	if rec == nil {
		return nil
	}
	verdict := policy.Evaluator{Policy: q.Policy}.Evaluate(ctx, *rec)
	if verdict.Allowed {
		return nil
	}
	if rec.Artifact == nil || rec.Artifact.Digest == "" {
		klog.FromContext(ctx).Info("abnormal run has no artifact digest, not quarantined", "runID", rec.RunID)
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		return err
	}
	if _, ok := q.entries[rec.Artifact.Digest]; ok {
		return nil
	}
	q.entries[rec.Artifact.Digest] = Entry{
		Digest:  rec.Artifact.Digest,
		Source:  rec.Artifact.Source,
		Outcome: string(rec.Outcome.Kind),
		Signal:  rec.Outcome.Signal,
		RunID:   rec.RunID,
		Since:   time.Now().UTC(),
		Reasons: verdict.Reasons,
	}
	klog.FromContext(ctx).Info("artifact quarantined", "digest", rec.Artifact.Digest, "outcome", rec.Outcome.Kind, "reasons", verdict.Reasons)
	return q.saveLocked()
}

// Quarantined returns the entry for digest, if any.
func (q *Quarantine) Quarantined(digest string) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		return Entry{}, false, err
	}
	e, ok := q.entries[digest]
	return e, ok, nil
}

// Release removes digest from the list; releasing an unknown digest is not an error.
func (q *Quarantine) Release(digest string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		return err
	}
	if _, ok := q.entries[digest]; !ok {
		return nil
	}
	delete(q.entries, digest)
	return q.saveLocked()
}

// Entries lists the quarantined artifacts ordered by digest.
func (q *Quarantine) Entries() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		return nil, err
	}
	list := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Digest < list[j].Digest })
	return list, nil
}

var (
	_ Enforcer = NoopEnforcer{}
	_ Enforcer = (*Quarantine)(nil)
)
