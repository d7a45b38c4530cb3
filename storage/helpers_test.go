package storage

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testOptions returns options for a graph in a fresh temp dir.
func testOptions(t *testing.T, capacity, depth int) Options {
	t.Helper()
	return Options{
		Directory:       filepath.Join(t.TempDir(), "graph"),
		NodeCapacity:    capacity,
		EdgeCapacity:    capacity,
		NodeBucketDepth: depth,
		EdgeBucketDepth: depth,
		Logger:          testLogger(),
		Registerer:      prometheus.NewRegistry(),
	}
}

func openTestGraph(t *testing.T, capacity, depth int) *Graph {
	t.Helper()
	g, err := Open(testOptions(t, capacity, depth))
	require.NoError(t, err)
	return g
}

func testFamily(t *testing.T, kind partitionKind, capacity int) *family {
	t.Helper()
	return newFamily(kind, t.TempDir(), capacity, testLogger(), newMetrics(prometheus.NewRegistry()))
}

// partitionSizes returns the recorded size of every partition of a family,
// keyed by path.
func partitionSizes(t *testing.T, f *family, newPartition func() partition) map[string]int {
	t.Helper()
	paths, err := f.listAll()
	require.NoError(t, err)

	sizes := map[string]int{}
	for _, path := range paths {
		p := newPartition()
		require.NoError(t, f.load(path, p))
		sizes[path] = p.header().Size
	}
	return sizes
}

func mustCreateNode(t *testing.T, g *Graph, key string, props string) {
	t.Helper()
	ok, err := g.Nodes().Create(key, Properties(props))
	require.NoError(t, err)
	require.True(t, ok, "create node %q", key)
}

func mustCreateEdge(t *testing.T, g *Graph, source, target, props string) {
	t.Helper()
	ok, err := g.Edges().Create(source, target, Properties(props))
	require.NoError(t, err)
	require.True(t, ok, "create edge %q -> %q", source, target)
}
