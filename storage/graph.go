package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultDirectory       = "./graph"
	DefaultNodeCapacity    = 1000
	DefaultEdgeCapacity    = 1000
	DefaultNodeBucketDepth = 1
	DefaultEdgeBucketDepth = 1
)

// Options configure a Graph.
type Options struct {
	Directory       string // Root directory of the graph
	NodeCapacity    int    // Target number of nodes per partition
	EdgeCapacity    int    // Target number of edges per partition (both edge families)
	NodeBucketDepth int    // Key prefix length used to bucket nodes, 0 disables bucketing
	EdgeBucketDepth int    // Source prefix length used to bucket edges, 0 disables bucketing

	Logger     *slog.Logger          // Defaults to slog.Default()
	Registerer prometheus.Registerer // Defaults to a new, private registry
}

// DefaultOptions returns the options of a graph in ./graph with partitions of
// 1000 records and one-character buckets.
func DefaultOptions() Options {
	return Options{
		Directory:       DefaultDirectory,
		NodeCapacity:    DefaultNodeCapacity,
		EdgeCapacity:    DefaultEdgeCapacity,
		NodeBucketDepth: DefaultNodeBucketDepth,
		EdgeBucketDepth: DefaultEdgeBucketDepth,
	}
}

func (o Options) validate() error {
	if strings.TrimSpace(o.Directory) == "" {
		return fmt.Errorf("directory must not be empty")
	}
	if o.NodeCapacity < 1 {
		return fmt.Errorf("node capacity must be positive, got %d", o.NodeCapacity)
	}
	if o.EdgeCapacity < 1 {
		return fmt.Errorf("edge capacity must be positive, got %d", o.EdgeCapacity)
	}
	if o.NodeBucketDepth < 0 {
		return fmt.Errorf("node bucket depth must not be negative, got %d", o.NodeBucketDepth)
	}
	if o.EdgeBucketDepth < 0 {
		return fmt.Errorf("edge bucket depth must not be negative, got %d", o.EdgeBucketDepth)
	}
	return nil
}

// Graph is a partitioned graph stored under one root directory.
//
// A Graph is not safe for concurrent use. Callers must serialize access,
// including across processes sharing the directory.
type Graph struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics

	dir           string // Root directory
	nodesDir      string
	relationsDir  string
	propertiesDir string
	intentsDir    string

	nodes *Nodes
	edges *Edges
}

// Open opens the graph rooted at opts.Directory, creating its directories if
// needed, and replays any intent left behind by an interrupted edge write.
func Open(opts Options) (*Graph, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	dir := filepath.Clean(opts.Directory)
	g := &Graph{
		opts:          opts,
		log:           opts.Logger.With("graph", dir),
		metrics:       newMetrics(opts.Registerer),
		dir:           dir,
		nodesDir:      filepath.Join(dir, "nodes"),
		relationsDir:  filepath.Join(dir, "edges", "relations"),
		propertiesDir: filepath.Join(dir, "edges", "properties"),
		intentsDir:    filepath.Join(dir, "edges", "intents"),
	}
	if err := g.mkdirs(); err != nil {
		return nil, err
	}

	b := boundary{log: g.log, metrics: g.metrics}
	g.edges = &Edges{
		boundary:   b,
		relations:  newFamily(kindRelation, g.relationsDir, opts.EdgeCapacity, g.log, g.metrics),
		properties: newFamily(kindProperty, g.propertiesDir, opts.EdgeCapacity, g.log, g.metrics),
		depth:      opts.EdgeBucketDepth,
		intents:    &intentLog{dir: g.intentsDir},
	}
	g.nodes = &Nodes{
		boundary: b,
		family:   newFamily(kindNode, g.nodesDir, opts.NodeCapacity, g.log, g.metrics),
		depth:    opts.NodeBucketDepth,
		edges:    g.edges,
	}

	n, err := g.Recover()
	if err != nil {
		return nil, fmt.Errorf("failed to recover graph %q: %w", dir, err)
	}
	if n > 0 {
		g.log.Info("replayed pending intents", "count", n)
	}
	return g, nil
}

func (g *Graph) mkdirs() error {
	for _, d := range []string{g.nodesDir, g.relationsDir, g.propertiesDir, g.intentsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create graph directory %q: %w", d, err)
		}
	}
	return nil
}

// Nodes returns the graph's node manager.
func (g *Graph) Nodes() *Nodes {
	return g.nodes
}

// Edges returns the graph's edge manager.
func (g *Graph) Edges() *Edges {
	return g.edges
}

// Directory returns the graph's root directory.
func (g *Graph) Directory() string {
	return g.dir
}

// Recover replays every pending intent and returns how many were replayed.
//
// Creates are rolled back and deletes rolled forward. Intents that cannot be
// decoded are discarded, since they were cut short before any partition was
// written.
func (g *Graph) Recover() (int, error) {
	intents, err := g.edges.intents.pending()
	if err != nil {
		return 0, err
	}

	for i, in := range intents {
		if in.Op == "" {
			g.log.Warn("discarding unreadable intent", "id", in.ID)
		} else if err := g.edges.replay(in); err != nil {
			return i, fmt.Errorf("failed to replay intent %s (%s): %w", in.ID, in.Op, err)
		}
		if err := g.edges.intents.commit(in); err != nil {
			return i, err
		}
		g.metrics.replayed.WithLabelValues(string(in.Op)).Inc()
	}
	return len(intents), nil
}

// Clear removes every node and edge by deleting and recreating the graph's
// directory tree. Failures are logged and reported as false.
func (g *Graph) Clear() bool {
	if err := os.RemoveAll(g.dir); err != nil {
		g.log.Error("failed to clear graph", "err", err)
		return false
	}
	if err := g.mkdirs(); err != nil {
		g.log.Error("failed to clear graph", "err", err)
		return false
	}
	return true
}

// Copy duplicates the graph's tree into dir and opens the copy with the same
// options. Each copied partition records dir as its root, so writes to the
// copy never reach the original. Failures are logged and reported as false.
func (g *Graph) Copy(dir string) (*Graph, bool) {
	cp, err := g.copy(dir)
	if err != nil {
		g.log.Error("failed to copy graph", "dst", dir, "err", err)
		return nil, false
	}
	return cp, true
}

func (g *Graph) copy(dir string) (*Graph, error) {
	dst := filepath.Clean(dir)
	if err := checkCopyTarget(g.dir, dst); err != nil {
		return nil, err
	}
	if err := copyTree(g.dir, dst); err != nil {
		return nil, err
	}

	// Point every partition at its new family directory
	opts := g.opts
	opts.Directory = dst
	families := []*family{
		newFamily(kindNode, filepath.Join(dst, "nodes"), opts.NodeCapacity, g.log, g.metrics),
		newFamily(kindRelation, filepath.Join(dst, "edges", "relations"), opts.EdgeCapacity, g.log, g.metrics),
		newFamily(kindProperty, filepath.Join(dst, "edges", "properties"), opts.EdgeCapacity, g.log, g.metrics),
	}
	for _, f := range families {
		if err := f.rebase(); err != nil {
			return nil, err
		}
	}
	return Open(opts)
}

func checkCopyTarget(src, dst string) error {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if absDst == absSrc || strings.HasPrefix(absDst, absSrc+string(filepath.Separator)) {
		return fmt.Errorf("cannot copy graph %q into itself (%q)", src, dst)
	}
	return nil
}

// copyTree copies the files under src to dst, merging into any existing tree.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %q to %q: %w", src, dst, err)
	}
	return out.Close()
}

// rebase rewrites the recorded directory of every partition of the family
// to the family's own directory. The payload is left as is.
func (f *family) rebase() error {
	paths, err := f.listAll()
	if err != nil {
		return err
	}

	dir, err := json.Marshal(f.dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s partition %q: %w", f.kind, p, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(b, &fields); err != nil {
			return fmt.Errorf("failed to unmarshal %s partition %q as json: %w", f.kind, p, err)
		}
		fields["directory"] = dir

		b, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal %s partition %q: %w", f.kind, p, err)
		}
		if err := os.WriteFile(p, b, 0644); err != nil {
			return fmt.Errorf("failed to write %s partition %q: %w", f.kind, p, err)
		}
	}
	return nil
}

// FamilyStats describes one partition family.
type FamilyStats struct {
	Partitions   int `json:"partitions"`    // Partition files
	Records      int `json:"records"`       // Records actually held in the payloads
	RecordedSize int `json:"recorded_size"` // Sum of the partitions' recorded sizes
}

// Stats describes a graph's partition families.
type Stats struct {
	Nodes          FamilyStats `json:"nodes"`
	EdgeRelations  FamilyStats `json:"edge_relations"`
	EdgeProperties FamilyStats `json:"edge_properties"`
	PendingIntents int         `json:"pending_intents"`
}

// Stats scans every partition of the graph.
func (g *Graph) Stats() (Stats, error) {
	var s Stats
	var err error
	if s.Nodes, err = familyStats(g.nodes.family, new(nodePartition)); err != nil {
		return s, err
	}
	if s.EdgeRelations, err = familyStats(g.edges.relations, new(relationPartition)); err != nil {
		return s, err
	}
	if s.EdgeProperties, err = familyStats(g.edges.properties, new(propertyPartition)); err != nil {
		return s, err
	}

	intents, err := g.edges.intents.pending()
	if err != nil {
		return s, err
	}
	s.PendingIntents = len(intents)
	return s, nil
}

func familyStats(f *family, p partition) (FamilyStats, error) {
	var s FamilyStats
	paths, err := f.listAll()
	if err != nil {
		return s, err
	}
	for _, path := range paths {
		if err := f.load(path, p); err != nil {
			return s, err
		}
		s.Partitions++
		s.Records += p.count()
		s.RecordedSize += p.header().Size
	}
	return s, nil
}

// CheckReport lists the inconsistencies found by Graph.Check.
type CheckReport struct {
	RelationOnly   []EdgeKey `json:"relation_only"`   // In the adjacency index, without properties
	PropertyOnly   []EdgeKey `json:"property_only"`   // With properties, missing from the adjacency index
	Asymmetric     []EdgeKey `json:"asymmetric"`      // Present in only one direction of the adjacency index
	SizeMismatches []string  `json:"size_mismatches"` // Partitions whose recorded size differs from their payload
}

// OK reports whether the check found nothing.
func (r CheckReport) OK() bool {
	return len(r.RelationOnly) == 0 &&
		len(r.PropertyOnly) == 0 &&
		len(r.Asymmetric) == 0 &&
		len(r.SizeMismatches) == 0
}

// Check verifies that both edge families agree and that every partition's
// recorded size matches its payload. It reports problems and repairs none.
func (g *Graph) Check() (CheckReport, error) {
	var r CheckReport

	// Node partition sizes
	paths, err := g.nodes.family.listAll()
	if err != nil {
		return r, err
	}
	np := new(nodePartition)
	for _, path := range paths {
		if err := g.nodes.family.load(path, np); err != nil {
			return r, err
		}
		if np.Size != np.count() {
			r.SizeMismatches = append(r.SizeMismatches, path)
		}
	}

	// Adjacency index, both directions
	out := map[EdgeKey]bool{}
	in := map[EdgeKey]bool{}
	paths, err = g.edges.relations.listAll()
	if err != nil {
		return r, err
	}
	rp := new(relationPartition)
	for _, path := range paths {
		if err := g.edges.relations.load(path, rp); err != nil {
			return r, err
		}
		if rp.Size != rp.count() {
			r.SizeMismatches = append(r.SizeMismatches, path)
		}
		for s, targets := range rp.Relations.Out {
			for t := range targets {
				out[EdgeKey{Source: s, Target: t}] = true
			}
		}
		for t, sources := range rp.Relations.In {
			for s := range sources {
				in[EdgeKey{Source: s, Target: t}] = true
			}
		}
	}

	// Payloads
	props := map[EdgeKey]bool{}
	paths, err = g.edges.properties.listAll()
	if err != nil {
		return r, err
	}
	pp := new(propertyPartition)
	for _, path := range paths {
		if err := g.edges.properties.load(path, pp); err != nil {
			return r, err
		}
		if pp.Size != pp.count() {
			r.SizeMismatches = append(r.SizeMismatches, path)
		}
		for s, targets := range pp.Properties {
			for t := range targets {
				props[EdgeKey{Source: s, Target: t}] = true
			}
		}
	}

	for k := range out {
		if !in[k] {
			r.Asymmetric = append(r.Asymmetric, k)
		}
		if !props[k] {
			r.RelationOnly = append(r.RelationOnly, k)
		}
	}
	for k := range in {
		if !out[k] {
			r.Asymmetric = append(r.Asymmetric, k)
		}
	}
	for k := range props {
		if !out[k] {
			r.PropertyOnly = append(r.PropertyOnly, k)
		}
	}
	sortEdgeKeys(r.RelationOnly)
	sortEdgeKeys(r.PropertyOnly)
	sortEdgeKeys(r.Asymmetric)
	return r, nil
}

func sortEdgeKeys(keys []EdgeKey) {
	slices.SortFunc(keys, func(a, b EdgeKey) int {
		if c := strings.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return strings.Compare(a.Target, b.Target)
	})
}
