package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/google/btree"
)

// DefaultListOrder is the degree of the btree used to order partition listings.
const DefaultListOrder = 8

// partitionKind names a partition family. It is the prefix of the family's
// partition file names.
type partitionKind string

const (
	kindNode     partitionKind = "node"
	kindRelation partitionKind = "edge-relation"
	kindProperty partitionKind = "edge-property"
)

func (k partitionKind) fileName(no int) string {
	return fmt.Sprintf("%s-partition-%d.json", k, no)
}

// partitionNo extracts the partition number from a partition file name.
func (k partitionKind) partitionNo(name string) (int, bool) {
	s := strings.TrimPrefix(name, string(k)+"-partition-")
	s = strings.TrimSuffix(s, ".json")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// partitionHeader is the state shared by every partition kind.
//
// Size is the managers' count of live records in the payload. The partition
// only stores what it is told; keeping Size in step is the managers' job.
type partitionHeader struct {
	Directory   string   `json:"directory"`    // Root directory of the partition's family
	Bucket      []string `json:"bucket"`       // Bucket segments below Directory
	Capacity    int      `json:"capacity"`     // Target maximum number of records
	Size        int      `json:"size"`         // Number of live records
	PartitionNo int      `json:"partition_no"` // Number within the bucket
}

func (h *partitionHeader) header() *partitionHeader {
	return h
}

// partition is implemented by the three partition kinds.
type partition interface {
	header() *partitionHeader

	// reset clears all state, so that a load never mixes two files.
	reset()

	// count returns the number of records actually held in the payload.
	count() int

	// probes returns the keys the partition's bloom filter is built from.
	probes() []string
}

// nodePartition maps node keys to their properties.
type nodePartition struct {
	partitionHeader
	Nodes map[string]Properties `json:"nodes"`
}

func (p *nodePartition) reset() {
	*p = nodePartition{Nodes: map[string]Properties{}}
}

func (p *nodePartition) count() int {
	return len(p.Nodes)
}

func (p *nodePartition) probes() []string {
	keys := make([]string, 0, len(p.Nodes))
	for k := range p.Nodes {
		keys = append(keys, k)
	}
	return keys
}

// keySet is a set of keys, stored on disk as a sorted JSON array.
type keySet map[string]struct{}

func (s keySet) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return json.Marshal(keys)
}

func (s *keySet) UnmarshalJSON(b []byte) error {
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	set := make(keySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	*s = set
	return nil
}

// relations is the adjacency index of a relation partition.
type relations struct {
	In  map[string]keySet `json:"in"`  // target -> sources
	Out map[string]keySet `json:"out"` // source -> targets
}

// relationPartition holds the in/out neighbor sets of its edges. Both
// directions of an edge always live in the same relation partition.
type relationPartition struct {
	partitionHeader
	Relations relations `json:"relations"`
}

func (p *relationPartition) reset() {
	*p = relationPartition{Relations: relations{
		In:  map[string]keySet{},
		Out: map[string]keySet{},
	}}
}

func (p *relationPartition) count() int {
	n := 0
	for _, targets := range p.Relations.Out {
		n += len(targets)
	}
	return n
}

func (p *relationPartition) probes() []string {
	keys := make([]string, 0, 2*len(p.Relations.Out)+len(p.Relations.In))
	for s, targets := range p.Relations.Out {
		keys = append(keys, outProbe(s))
		for t := range targets {
			keys = append(keys, edgeProbe(s, t))
		}
	}
	for t := range p.Relations.In {
		keys = append(keys, inProbe(t))
	}
	return keys
}

func (p *relationPartition) has(source, target string) bool {
	_, ok := p.Relations.Out[source][target]
	return ok
}

// link adds the edge to both directions of the index.
func (p *relationPartition) link(source, target string) {
	if p.Relations.Out[source] == nil {
		p.Relations.Out[source] = keySet{}
	}
	if p.Relations.In[target] == nil {
		p.Relations.In[target] = keySet{}
	}
	p.Relations.Out[source][target] = struct{}{}
	p.Relations.In[target][source] = struct{}{}
}

// unlink removes the edge from both directions of the index, dropping
// emptied sets. It reports whether the edge was present.
func (p *relationPartition) unlink(source, target string) bool {
	if !p.has(source, target) {
		return false
	}
	removeFromSet(p.Relations.Out, source, target)
	removeFromSet(p.Relations.In, target, source)
	return true
}

// isolate removes every edge touching key and returns how many were removed.
func (p *relationPartition) isolate(key string) int {
	removed := 0
	for t := range p.Relations.Out[key] {
		removeFromSet(p.Relations.In, t, key)
		removed++
	}
	delete(p.Relations.Out, key)

	for s := range p.Relations.In[key] {
		removeFromSet(p.Relations.Out, s, key)
		removed++
	}
	delete(p.Relations.In, key)
	return removed
}

func removeFromSet(m map[string]keySet, k, v string) {
	set, ok := m[k]
	if !ok {
		return
	}
	delete(set, v)
	if len(set) == 0 {
		delete(m, k)
	}
}

// propertyPartition maps source -> target -> properties.
type propertyPartition struct {
	partitionHeader
	Properties map[string]map[string]Properties `json:"properties"`
}

func (p *propertyPartition) reset() {
	*p = propertyPartition{Properties: map[string]map[string]Properties{}}
}

func (p *propertyPartition) count() int {
	n := 0
	for _, targets := range p.Properties {
		n += len(targets)
	}
	return n
}

func (p *propertyPartition) probes() []string {
	keys := make([]string, 0, 2*len(p.Properties))
	for s, targets := range p.Properties {
		keys = append(keys, outProbe(s))
		for t := range targets {
			keys = append(keys, edgeProbe(s, t), inProbe(t))
		}
	}
	return keys
}

func (p *propertyPartition) lookup(source, target string) (Properties, bool) {
	props, ok := p.Properties[source][target]
	return props, ok
}

func (p *propertyPartition) set(source, target string, props Properties) {
	if p.Properties[source] == nil {
		p.Properties[source] = map[string]Properties{}
	}
	p.Properties[source][target] = props
}

// drop removes the edge's payload, dropping emptied source maps. It reports
// whether the edge was present.
func (p *propertyPartition) drop(source, target string) bool {
	targets, ok := p.Properties[source]
	if !ok {
		return false
	}
	if _, ok := targets[target]; !ok {
		return false
	}
	delete(targets, target)
	if len(targets) == 0 {
		delete(p.Properties, source)
	}
	return true
}

// isolate removes every payload of an edge touching key and returns how
// many were removed.
func (p *propertyPartition) isolate(key string) int {
	removed := len(p.Properties[key])
	delete(p.Properties, key)
	for s := range p.Properties {
		if p.drop(s, key) {
			removed++
		}
	}
	return removed
}

// Bloom filter probe keys of the edge families.
func edgeProbe(source, target string) string { return "e\x00" + source + "\x00" + target }
func outProbe(source string) string          { return "o\x00" + source }
func inProbe(target string) string           { return "i\x00" + target }

// family is one partition family rooted at a directory: the nodes, the edge
// relations or the edge properties.
type family struct {
	kind     partitionKind
	dir      string
	capacity int
	match    glob.Glob
	log      *slog.Logger
	metrics  *metrics
}

func newFamily(kind partitionKind, dir string, capacity int, log *slog.Logger, m *metrics) *family {
	return &family{
		kind:     kind,
		dir:      filepath.Clean(dir),
		capacity: capacity,
		match:    glob.MustCompile(string(kind) + "-partition-*.json"),
		log:      log,
		metrics:  m,
	}
}

// newHeader returns the header of a new, empty partition.
func (f *family) newHeader(bucket []string, no int) partitionHeader {
	return partitionHeader{
		Directory:   f.dir,
		Bucket:      slices.Clone(bucket),
		Capacity:    f.capacity,
		PartitionNo: no,
	}
}

func (f *family) bucketDir(bucket []string) string {
	return filepath.Join(append([]string{f.dir}, bucket...)...)
}

// partitionPath returns the canonical path of a partition inside the family
// directory. The recorded Directory is not used, so a tree that was moved
// still writes to where it was opened.
func (f *family) partitionPath(h *partitionHeader) string {
	parts := append([]string{f.dir}, h.Bucket...)
	parts = append(parts, f.kind.fileName(h.PartitionNo))
	return filepath.Join(parts...)
}

type partitionRef struct {
	no   int
	path string
}

func lessPartitionRef(a, b partitionRef) bool {
	if a.no != b.no {
		return a.no < b.no
	}
	return a.path < b.path
}

// refs collects partition files in newest-first order.
type refs struct {
	kind partitionKind
	tree *btree.BTreeG[partitionRef]
}

func newRefs(kind partitionKind) *refs {
	return &refs{
		kind: kind,
		tree: btree.NewG(DefaultListOrder, lessPartitionRef),
	}
}

func (r *refs) add(path string) {
	no, ok := r.kind.partitionNo(filepath.Base(path))
	if !ok {
		return
	}
	r.tree.ReplaceOrInsert(partitionRef{no: no, path: path})
}

func (r *refs) paths() []string {
	paths := make([]string, 0, r.tree.Len())
	r.tree.Descend(func(ref partitionRef) bool {
		paths = append(paths, ref.path)
		return true
	})
	return paths
}

// list returns the partition files of one bucket, newest first. Sub-buckets
// are not included.
func (f *family) list(bucket []string) ([]string, error) {
	dir := f.bucketDir(bucket)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s partitions in %q: %w", f.kind, dir, err)
	}

	r := newRefs(f.kind)
	for _, e := range entries {
		if e.IsDir() || !f.match.Match(e.Name()) {
			continue
		}
		r.add(filepath.Join(dir, e.Name()))
	}
	return r.paths(), nil
}

// listAll returns every partition file of the family, newest first.
func (f *family) listAll() ([]string, error) {
	r := newRefs(f.kind)
	err := filepath.WalkDir(f.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == f.dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !f.match.Match(d.Name()) {
			return nil
		}
		r.add(p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s partitions in %q: %w", f.kind, f.dir, err)
	}
	return r.paths(), nil
}

// load replaces the state of p with the partition stored at path.
func (f *family) load(path string, p partition) error {
	p.reset()

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s partition %q: %w", f.kind, path, err)
	}
	if err := json.Unmarshal(b, p); err != nil {
		return fmt.Errorf("failed to unmarshal %s partition %q as json: %w", f.kind, path, err)
	}
	f.metrics.loads.WithLabelValues(string(f.kind)).Inc()
	return nil
}

// dump writes p to its canonical path, creating parent directories as needed.
//
// The old bloom filter is removed before the partition is written and the
// new one is written after it, so a filter on disk never rules out a record
// its partition still holds.
func (f *family) dump(p partition) error {
	h := p.header()
	h.Directory = f.dir
	path := f.partitionPath(h)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s partition %q: %w", f.kind, path, err)
	}
	if err := os.Remove(filterPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove filter of %s partition %q: %w", f.kind, path, err)
	}

	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal %s partition %q: %w", f.kind, path, err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("failed to write %s partition %q: %w", f.kind, path, err)
	}
	f.metrics.dumps.WithLabelValues(string(f.kind)).Inc()

	// Without a filter the partition is always loaded
	if err := writeFilter(filterPath(path), p.probes()); err != nil {
		f.log.Warn("failed to write partition filter", "path", path, "err", err)
	}
	return nil
}

// mightContain reports whether the partition at path may hold probe. It is
// true whenever the partition's filter cannot be read.
func (f *family) mightContain(path, probe string) bool {
	bf, err := readFilter(filterPath(path))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.log.Debug("ignoring unreadable partition filter", "path", path, "err", err)
		}
		return true
	}
	if bf.TestString(probe) {
		return true
	}
	f.metrics.filterSkips.WithLabelValues(string(f.kind)).Inc()
	return false
}
