package storage

// Properties is an opaque payload attached to a node or an edge.
//
// The store never interprets it. Callers own its serialization.
type Properties []byte

// Node is a keyed graph vertex.
type Node struct {
	Key        string     `json:"key"`
	Properties Properties `json:"properties"`
}

// Edge is a directed connection from Source to Target.
//
// An edge is identified by its (Source, Target) pair.
type Edge struct {
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	Properties Properties `json:"properties"`
}

// EdgeKey identifies an edge without its payload.
type EdgeKey struct {
	Source string `json:"source"`
	Target string `json:"target"`
}
