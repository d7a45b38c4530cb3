package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// IntentOp is the kind of edge mutation an intent guards.
type IntentOp string

const (
	IntentCreate    IntentOp = "create"     // Rolled back on recovery
	IntentDelete    IntentOp = "delete"     // Rolled forward on recovery
	IntentDeleteAll IntentOp = "delete_all" // Rolled forward on recovery
)

// Intent is a write-ahead record of an edge mutation that spans both edge
// families.
type Intent struct {
	ID        string    `json:"id"`
	Op        IntentOp  `json:"op"`
	Source    string    `json:"source,omitempty"`
	Target    string    `json:"target,omitempty"`
	Key       string    `json:"key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// intentLog stores one file per pending intent.
type intentLog struct {
	dir string
}

func (l *intentLog) path(id string) string {
	return filepath.Join(l.dir, id+".json")
}

// begin assigns an id to in and persists it.
func (l *intentLog) begin(in Intent) (Intent, error) {
	id, err := NewIntentID()
	if err != nil {
		return in, fmt.Errorf("failed to generate intent id: %w", err)
	}
	in.ID = id
	in.CreatedAt = time.Now().UTC()

	b, err := json.Marshal(in)
	if err != nil {
		return in, fmt.Errorf("failed to marshal intent: %w", err)
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return in, fmt.Errorf("failed to create intent directory %q: %w", l.dir, err)
	}
	if err := os.WriteFile(l.path(id), b, 0644); err != nil {
		return in, fmt.Errorf("failed to write intent %s: %w", id, err)
	}
	return in, nil
}

// commit removes a completed intent.
func (l *intentLog) commit(in Intent) error {
	if err := os.Remove(l.path(in.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove intent %s: %w", in.ID, err)
	}
	return nil
}

// pending returns the intents left on disk, oldest first.
func (l *intentLog) pending() ([]Intent, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list intents in %q: %w", l.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	intents := make([]Intent, 0, len(names))
	for _, name := range names {
		p := filepath.Join(l.dir, name)
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read intent %q: %w", p, err)
		}
		// An intent that cannot be decoded was cut short while being
		// written, before any partition was touched. It is returned
		// without an op so recovery discards it.
		var in Intent
		if err := json.Unmarshal(b, &in); err != nil {
			in = Intent{}
		}
		in.ID = strings.TrimSuffix(name, ".json")
		intents = append(intents, in)
	}
	return intents, nil
}
