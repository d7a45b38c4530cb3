// Package storage provides a partitioned, file-persisted graph store.
//
// Nodes (a key plus an opaque property payload) and directed edges (a source,
// a target and an opaque property payload) are sharded into capacity-bounded
// partition files. Partitions are grouped into buckets, which are derived from
// the first characters of a key (see BucketOf).
//
// Edges are stored twice: once in the relation (adjacency) family, which keeps
// the in/out neighbor sets, and once in the property family, which keeps the
// payloads. Both families are bucketed by the edge's source. Since the "in"
// entries of a target live in its sources' buckets, incoming-neighbor queries
// always scan the whole relation tree.
//
// The store assumes a single writer. Nothing is cached between calls: every
// operation loads the partitions it needs from disk and writes back the ones
// it changed.
//
// # Disk Layout
//
// A graph is stored with the following general structure:
//
//	path/to/graph/
//	├── nodes/
//	│   ├── {{ BUCKET... }}/
//	│   │   ├── _meta.json
//	│   │   ├── node-partition-{{ N }}.json
//	│   │   ├── node-partition-{{ N }}.bloom
//	├── edges/
//	│   ├── relations/
//	│   │   ├── {{ BUCKET... }}/
//	│   │   │   ├── _meta.json
//	│   │   │   ├── edge-relation-partition-{{ N }}.json
//	│   │   │   ├── edge-relation-partition-{{ N }}.bloom
//	│   ├── properties/
//	│   │   ├── {{ BUCKET... }}/
//	│   │   │   ├── _meta.json
//	│   │   │   ├── edge-property-partition-{{ N }}.json
//	│   │   │   ├── edge-property-partition-{{ N }}.bloom
//	│   ├── intents/
//	│   │   ├── {{ INTENT_ID }}.json
//
// Where BUCKET is zero or more nested directories (one per bucket segment) and
// N is the partition's number within its bucket. The _meta.json file holds the
// bucket's next partition number. Each .bloom file is a snappy-compressed
// bloom filter over the keys of the partition next to it, and is used to skip
// loading partitions that cannot hold the key being looked up.
//
// Intent files are written before an edge mutation touches the two edge
// families and removed once both are written. Any intent left behind by a
// crash is replayed when the graph is opened (see Graph.Recover).
package storage
