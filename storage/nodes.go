package storage

import (
	"iter"
	"maps"
	"slices"
)

// Nodes manages the node partitions of a graph.
//
// Methods return an error only when a key fails validation. Storage failures
// are logged and reported as a false or absent result.
type Nodes struct {
	boundary
	family *family
	depth  int
	edges  *Edges
}

// Create stores a new node. It returns false if key already exists.
func (n *Nodes) Create(key string, props Properties) (bool, error) {
	if err := validateKey("key", key); err != nil {
		return false, n.reject("node.create", err)
	}
	ok, err := n.create(key, props)
	return n.settle("node.create", ok, err, "key", key), nil
}

// Get returns the node stored under key, and whether it exists.
func (n *Nodes) Get(key string) (Node, bool, error) {
	if err := validateKey("key", key); err != nil {
		return Node{}, false, n.reject("node.get", err)
	}
	p, err := n.find(key)
	if !n.settle("node.get", p != nil, err, "key", key) {
		return Node{}, false, nil
	}
	return Node{Key: key, Properties: p.Nodes[key]}, true, nil
}

// Update replaces the properties of an existing node. It returns false if
// key does not exist.
func (n *Nodes) Update(key string, props Properties) (bool, error) {
	if err := validateKey("key", key); err != nil {
		return false, n.reject("node.update", err)
	}
	ok, err := n.update(key, props)
	return n.settle("node.update", ok, err, "key", key), nil
}

// Delete removes a node and every edge touching it. It returns true only if
// the node existed and the edge cascade succeeded.
func (n *Nodes) Delete(key string) (bool, error) {
	if err := validateKey("key", key); err != nil {
		return false, n.reject("node.delete", err)
	}
	ok, err := n.delete(key)
	deleted := n.settle("node.delete", ok, err, "key", key)

	// The cascade runs even when the node itself was missing, so edges
	// pointing at an unknown key don't outlive it.
	cascaded, _ := n.edges.DeleteAll(key)
	return deleted && cascaded, nil
}

// Contains reports whether a node is stored under key.
func (n *Nodes) Contains(key string) (bool, error) {
	if err := validateKey("key", key); err != nil {
		return false, n.reject("node.contains", err)
	}
	p, err := n.find(key)
	return n.settle("node.contains", p != nil, err, "key", key), nil
}

// All returns every node of the graph, in partition discovery order.
//
// The sequence reads the partitions lazily and can be ranged over again to
// rescan the disk. It is not isolated from concurrent writes.
func (n *Nodes) All() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		n.scan(func(p *nodePartition) bool {
			for _, key := range slices.Sorted(maps.Keys(p.Nodes)) {
				if !yield(Node{Key: key, Properties: p.Nodes[key]}) {
					return false
				}
			}
			return true
		})
	}
}

// Keys returns the key of every node of the graph. See All.
func (n *Nodes) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		n.scan(func(p *nodePartition) bool {
			for _, key := range slices.Sorted(maps.Keys(p.Nodes)) {
				if !yield(key) {
					return false
				}
			}
			return true
		})
	}
}

// scan loads every node partition in turn until fn returns false. A storage
// failure is logged and ends the scan.
func (n *Nodes) scan(fn func(p *nodePartition) bool) {
	paths, err := n.family.listAll()
	if err != nil {
		n.log.Error("failed to list node partitions", "err", err)
		return
	}

	p := new(nodePartition)
	for _, path := range paths {
		if err := n.family.load(path, p); err != nil {
			n.log.Error("failed to scan node partitions", "path", path, "err", err)
			return
		}
		if !fn(p) {
			return
		}
	}
}

func (n *Nodes) create(key string, props Properties) (bool, error) {
	// Make sure the key is new
	existing, err := n.find(key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	// Find a partition with room for it
	p, err := n.slot(BucketOf(key, n.depth))
	if err != nil {
		return false, err
	}

	// Insert and write back
	p.Nodes[key] = props
	p.Size++
	if err := n.family.dump(p); err != nil {
		return false, err
	}
	return true, nil
}

func (n *Nodes) update(key string, props Properties) (bool, error) {
	p, err := n.find(key)
	if err != nil || p == nil {
		return false, err
	}

	p.Nodes[key] = props
	if err := n.family.dump(p); err != nil {
		return false, err
	}
	return true, nil
}

func (n *Nodes) delete(key string) (bool, error) {
	p, err := n.find(key)
	if err != nil || p == nil {
		return false, err
	}

	delete(p.Nodes, key)
	p.Size--
	if err := n.family.dump(p); err != nil {
		return false, err
	}
	return true, nil
}

// find returns the partition holding key, or nil. Only the key's bucket is
// searched, newest partition first.
func (n *Nodes) find(key string) (*nodePartition, error) {
	paths, err := n.family.list(BucketOf(key, n.depth))
	if err != nil {
		return nil, err
	}

	for _, path := range paths {
		if !n.family.mightContain(path, key) {
			continue
		}
		p := new(nodePartition)
		if err := n.family.load(path, p); err != nil {
			return nil, err
		}
		if _, ok := p.Nodes[key]; ok {
			return p, nil
		}
	}
	return nil, nil
}

// slot returns the newest partition of bucket that is below capacity, or a
// new empty partition if they are all full.
func (n *Nodes) slot(bucket []string) (*nodePartition, error) {
	paths, err := n.family.list(bucket)
	if err != nil {
		return nil, err
	}

	for _, path := range paths {
		p := new(nodePartition)
		if err := n.family.load(path, p); err != nil {
			return nil, err
		}
		if p.Size < n.family.capacity {
			return p, nil
		}
	}

	no, err := n.family.nextPartitionNo(bucket)
	if err != nil {
		return nil, err
	}
	return &nodePartition{
		partitionHeader: n.family.newHeader(bucket, no),
		Nodes:           map[string]Properties{},
	}, nil
}
