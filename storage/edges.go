package storage

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
)

// Edges manages the two edge partition families of a graph: relations (the
// in/out adjacency index) and properties (the edge payloads).
//
// An edge is visible only while it is present in both families. Mutations
// that touch both are guarded by an intent, so a crash between the two
// writes is repaired by Graph.Recover.
//
// Methods return an error only when an endpoint fails validation. Storage
// failures are logged and reported as a false or absent result.
type Edges struct {
	boundary
	relations  *family
	properties *family
	depth      int
	intents    *intentLog
}

// Create stores a new edge from source to target. It returns false if the
// edge already exists.
func (e *Edges) Create(source, target string, props Properties) (bool, error) {
	if err := validateEdge(source, target); err != nil {
		return false, e.reject("edge.create", err)
	}
	ok, err := e.create(source, target, props)
	return e.settle("edge.create", ok, err, "source", source, "target", target), nil
}

// Get returns the edge from source to target, and whether it exists.
//
// Only the property family of the source's bucket is searched.
func (e *Edges) Get(source, target string) (Edge, bool, error) {
	if err := validateEdge(source, target); err != nil {
		return Edge{}, false, e.reject("edge.get", err)
	}
	p, err := e.findProperty(source, target)
	if !e.settle("edge.get", p != nil, err, "source", source, "target", target) {
		return Edge{}, false, nil
	}
	props, _ := p.lookup(source, target)
	return Edge{Source: source, Target: target, Properties: props}, true, nil
}

// Update replaces the properties of an existing edge. The adjacency index is
// left untouched. It returns false if the edge does not exist.
func (e *Edges) Update(source, target string, props Properties) (bool, error) {
	if err := validateEdge(source, target); err != nil {
		return false, e.reject("edge.update", err)
	}
	ok, err := e.update(source, target, props)
	return e.settle("edge.update", ok, err, "source", source, "target", target), nil
}

// Delete removes the edge from source to target. It returns true only if
// the edge was removed from both families.
//
// Both families are searched across the whole tree, not just the source's
// bucket.
func (e *Edges) Delete(source, target string) (bool, error) {
	if err := validateEdge(source, target); err != nil {
		return false, e.reject("edge.delete", err)
	}
	ok, err := e.guard(Intent{Op: IntentDelete, Source: source, Target: target}, func() (bool, error) {
		return e.removePair(source, target, true)
	})
	return e.settle("edge.delete", ok, err, "source", source, "target", target), nil
}

// DeleteAll removes every edge that starts or ends at key. It returns false
// only if the cascade could not be completed.
//
// Neighbors are not known in advance, so every partition of both families
// is visited.
func (e *Edges) DeleteAll(key string) (bool, error) {
	if err := validateKey("key", key); err != nil {
		return false, e.reject("edge.delete_all", err)
	}
	ok, err := e.guard(Intent{Op: IntentDeleteAll, Key: key}, func() (bool, error) {
		return true, e.isolate(key, true)
	})
	return e.settle("edge.delete_all", ok, err, "key", key), nil
}

// Contains reports whether the edge from source to target exists, according
// to the relation family of the source's bucket.
func (e *Edges) Contains(source, target string) (bool, error) {
	if err := validateEdge(source, target); err != nil {
		return false, e.reject("edge.contains", err)
	}
	p, err := e.findRelation(source, target)
	return e.settle("edge.contains", p != nil, err, "source", source, "target", target), nil
}

// Incoming returns the sources of every edge ending at target.
//
// The "in" entries of target live in the buckets of its sources, so every
// relation partition in the tree is scanned.
func (e *Edges) Incoming(target string) (iter.Seq[string], error) {
	if err := validateKey("target", target); err != nil {
		return nil, e.reject("edge.incoming", err)
	}
	return e.neighbors(inProbe(target), func(p *relationPartition) keySet {
		return p.Relations.In[target]
	}), nil
}

// Outgoing returns the targets of every edge starting at source.
//
// Like Incoming, it scans every relation partition in the tree.
func (e *Edges) Outgoing(source string) (iter.Seq[string], error) {
	if err := validateKey("source", source); err != nil {
		return nil, e.reject("edge.outgoing", err)
	}
	return e.neighbors(outProbe(source), func(p *relationPartition) keySet {
		return p.Relations.Out[source]
	}), nil
}

// All returns every edge of the graph, read from the property family in
// partition discovery order.
func (e *Edges) All() iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		paths, err := e.properties.listAll()
		if err != nil {
			e.log.Error("failed to list edge property partitions", "err", err)
			return
		}

		p := new(propertyPartition)
		for _, path := range paths {
			if err := e.properties.load(path, p); err != nil {
				e.log.Error("failed to scan edge property partitions", "path", path, "err", err)
				return
			}
			for _, source := range slices.Sorted(maps.Keys(p.Properties)) {
				targets := p.Properties[source]
				for _, target := range slices.Sorted(maps.Keys(targets)) {
					if !yield(Edge{Source: source, Target: target, Properties: targets[target]}) {
						return
					}
				}
			}
		}
	}
}

func validateEdge(source, target string) error {
	if err := validateKey("source", source); err != nil {
		return err
	}
	return validateKey("target", target)
}

func (e *Edges) neighbors(probe string, pick func(p *relationPartition) keySet) iter.Seq[string] {
	return func(yield func(string) bool) {
		paths, err := e.relations.listAll()
		if err != nil {
			e.log.Error("failed to list edge relation partitions", "err", err)
			return
		}

		p := new(relationPartition)
		for _, path := range paths {
			if !e.relations.mightContain(path, probe) {
				continue
			}
			if err := e.relations.load(path, p); err != nil {
				e.log.Error("failed to scan edge relation partitions", "path", path, "err", err)
				return
			}
			for _, k := range slices.Sorted(maps.Keys(pick(p))) {
				if !yield(k) {
					return
				}
			}
		}
	}
}

// guard runs fn under a persisted intent. The intent is removed once fn
// succeeds. If fn fails, the intent is replayed right away, and left on disk
// for the next recovery if that fails too.
func (e *Edges) guard(in Intent, fn func() (bool, error)) (bool, error) {
	in, err := e.intents.begin(in)
	if err != nil {
		return false, err
	}

	ok, err := fn()
	if err != nil {
		if rerr := e.replay(in); rerr != nil {
			e.log.Warn("intent left for recovery", "id", in.ID, "op", in.Op, "err", rerr)
			return false, err
		}
		return false, errors.Join(err, e.intents.commit(in))
	}
	return ok, e.intents.commit(in)
}

// replay brings both edge families to the state the intent calls for. It is
// idempotent.
//
// Filters are not consulted: the interrupted write may have left a filter
// that no longer matches its partition.
func (e *Edges) replay(in Intent) error {
	switch in.Op {
	case IntentCreate, IntentDelete:
		// A create is rolled back and a delete is rolled forward: either
		// way the pair ends up in neither family.
		_, err := e.removePair(in.Source, in.Target, false)
		return err
	case IntentDeleteAll:
		return e.isolate(in.Key, false)
	default:
		return fmt.Errorf("unknown intent op %q", in.Op)
	}
}

func (e *Edges) create(source, target string, props Properties) (bool, error) {
	bucket := BucketOf(source, e.depth)

	// Make sure the edge is new in both families
	if p, err := e.findRelation(source, target); err != nil || p != nil {
		return false, err
	}
	if p, err := e.findProperty(source, target); err != nil || p != nil {
		return false, err
	}

	// Find a partition with room in each family. The two searches are
	// independent and may land on different partition numbers.
	rp, err := e.relationSlot(bucket)
	if err != nil {
		return false, err
	}
	pp, err := e.propertySlot(bucket)
	if err != nil {
		return false, err
	}

	// Write both families under one intent
	return e.guard(Intent{Op: IntentCreate, Source: source, Target: target}, func() (bool, error) {
		rp.link(source, target)
		rp.Size++
		if err := e.relations.dump(rp); err != nil {
			return false, err
		}

		pp.set(source, target, props)
		pp.Size++
		if err := e.properties.dump(pp); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (e *Edges) update(source, target string, props Properties) (bool, error) {
	p, err := e.findProperty(source, target)
	if err != nil || p == nil {
		return false, err
	}

	p.set(source, target, props)
	if err := e.properties.dump(p); err != nil {
		return false, err
	}
	return true, nil
}

// removePair removes the edge from both families, searching the whole tree
// of each. It reports whether the edge was found in both. Partition filters
// are only consulted when filtered is set.
func (e *Edges) removePair(source, target string, filtered bool) (bool, error) {
	unlinked, err := e.unlink(source, target, filtered)
	if err != nil {
		return false, err
	}
	dropped, err := e.drop(source, target, filtered)
	if err != nil {
		return false, err
	}
	return unlinked && dropped, nil
}

func (e *Edges) unlink(source, target string, filtered bool) (bool, error) {
	paths, err := e.relations.listAll()
	if err != nil {
		return false, err
	}

	p := new(relationPartition)
	for _, path := range paths {
		if filtered && !e.relations.mightContain(path, edgeProbe(source, target)) {
			continue
		}
		if err := e.relations.load(path, p); err != nil {
			return false, err
		}
		if !p.unlink(source, target) {
			continue
		}
		p.Size--
		return true, e.relations.dump(p)
	}
	return false, nil
}

func (e *Edges) drop(source, target string, filtered bool) (bool, error) {
	paths, err := e.properties.listAll()
	if err != nil {
		return false, err
	}

	p := new(propertyPartition)
	for _, path := range paths {
		if filtered && !e.properties.mightContain(path, edgeProbe(source, target)) {
			continue
		}
		if err := e.properties.load(path, p); err != nil {
			return false, err
		}
		if !p.drop(source, target) {
			continue
		}
		p.Size--
		return true, e.properties.dump(p)
	}
	return false, nil
}

// isolate removes every edge touching key from both families. Only the
// partitions that changed are written back. Partition filters are only
// consulted when filtered is set.
func (e *Edges) isolate(key string, filtered bool) error {
	paths, err := e.relations.listAll()
	if err != nil {
		return err
	}
	rp := new(relationPartition)
	for _, path := range paths {
		if filtered && !e.relations.mightContain(path, outProbe(key)) && !e.relations.mightContain(path, inProbe(key)) {
			continue
		}
		if err := e.relations.load(path, rp); err != nil {
			return err
		}
		removed := rp.isolate(key)
		if removed == 0 {
			continue
		}
		rp.Size -= removed
		if err := e.relations.dump(rp); err != nil {
			return err
		}
	}

	paths, err = e.properties.listAll()
	if err != nil {
		return err
	}
	pp := new(propertyPartition)
	for _, path := range paths {
		if filtered && !e.properties.mightContain(path, outProbe(key)) && !e.properties.mightContain(path, inProbe(key)) {
			continue
		}
		if err := e.properties.load(path, pp); err != nil {
			return err
		}
		removed := pp.isolate(key)
		if removed == 0 {
			continue
		}
		pp.Size -= removed
		if err := e.properties.dump(pp); err != nil {
			return err
		}
	}
	return nil
}

// findRelation returns the relation partition of the source's bucket that
// holds the edge, or nil.
func (e *Edges) findRelation(source, target string) (*relationPartition, error) {
	paths, err := e.relations.list(BucketOf(source, e.depth))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		if !e.relations.mightContain(path, edgeProbe(source, target)) {
			continue
		}
		p := new(relationPartition)
		if err := e.relations.load(path, p); err != nil {
			return nil, err
		}
		if p.has(source, target) {
			return p, nil
		}
	}
	return nil, nil
}

// findProperty returns the property partition of the source's bucket that
// holds the edge, or nil.
func (e *Edges) findProperty(source, target string) (*propertyPartition, error) {
	paths, err := e.properties.list(BucketOf(source, e.depth))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		if !e.properties.mightContain(path, edgeProbe(source, target)) {
			continue
		}
		p := new(propertyPartition)
		if err := e.properties.load(path, p); err != nil {
			return nil, err
		}
		if _, ok := p.lookup(source, target); ok {
			return p, nil
		}
	}
	return nil, nil
}

func (e *Edges) relationSlot(bucket []string) (*relationPartition, error) {
	paths, err := e.relations.list(bucket)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		p := new(relationPartition)
		if err := e.relations.load(path, p); err != nil {
			return nil, err
		}
		if p.Size < e.relations.capacity {
			return p, nil
		}
	}

	no, err := e.relations.nextPartitionNo(bucket)
	if err != nil {
		return nil, err
	}
	p := new(relationPartition)
	p.reset()
	p.partitionHeader = e.relations.newHeader(bucket, no)
	return p, nil
}

func (e *Edges) propertySlot(bucket []string) (*propertyPartition, error) {
	paths, err := e.properties.list(bucket)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		p := new(propertyPartition)
		if err := e.properties.load(path, p); err != nil {
			return nil, err
		}
		if p.Size < e.properties.capacity {
			return p, nil
		}
	}

	no, err := e.properties.nextPartitionNo(bucket)
	if err != nil {
		return nil, err
	}
	p := new(propertyPartition)
	p.reset()
	p.partitionHeader = e.properties.newHeader(bucket, no)
	return p, nil
}
