package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNodePartition() partition { return new(nodePartition) }

func TestNodes_CRUD(t *testing.T) {
	g := openTestGraph(t, 10, 1)
	nodes := g.Nodes()

	t.Run("should create and get a node", func(t *testing.T) {
		ok, err := nodes.Create("alice", Properties(`{"age":30}`))
		require.NoError(t, err)
		assert.True(t, ok)

		n, ok, err := nodes.Get("alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, Node{Key: "alice", Properties: Properties(`{"age":30}`)}, n)

		ok, err = nodes.Contains("alice")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should reject a duplicate key", func(t *testing.T) {
		ok, err := nodes.Create("alice", Properties(`{}`))
		require.NoError(t, err)
		assert.False(t, ok)

		n, _, err := nodes.Get("alice")
		require.NoError(t, err)
		assert.Equal(t, Properties(`{"age":30}`), n.Properties)
	})

	t.Run("should update an existing node", func(t *testing.T) {
		ok, err := nodes.Update("alice", Properties(`{"age":31}`))
		require.NoError(t, err)
		assert.True(t, ok)

		n, _, err := nodes.Get("alice")
		require.NoError(t, err)
		assert.Equal(t, Properties(`{"age":31}`), n.Properties)
	})

	t.Run("should not update a missing node", func(t *testing.T) {
		ok, err := nodes.Update("bob", Properties(`{}`))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = nodes.Contains("bob")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should report a missing node as absent", func(t *testing.T) {
		n, ok, err := nodes.Get("bob")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Node{}, n)
	})

	t.Run("should delete a node", func(t *testing.T) {
		ok, err := nodes.Delete("alice")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = nodes.Contains("alice")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should allow a deleted key to be created again", func(t *testing.T) {
		ok, err := nodes.Create("alice", nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestNodes_IdempotentDelete(t *testing.T) {
	g := openTestGraph(t, 2, 1)
	mustCreateNode(t, g, "a1", "1")
	mustCreateNode(t, g, "a2", "2")
	mustCreateNode(t, g, "a3", "3")

	ok, err := g.Nodes().Delete("a2")
	require.NoError(t, err)
	require.True(t, ok)
	before := partitionSizes(t, g.nodes.family, newNodePartition)

	for _, key := range []string{"a2", "zz"} {
		ok, err := g.Nodes().Delete(key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
	assert.Equal(t, before, partitionSizes(t, g.nodes.family, newNodePartition))
}

func TestNodes_Validation(t *testing.T) {
	g := openTestGraph(t, 10, 1)
	nodes := g.Nodes()

	for _, key := range []string{"bad\xffkey", "\xc3"} {
		t.Run(fmt.Sprintf("should reject %q", key), func(t *testing.T) {
			_, err := nodes.Create(key, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidKey))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "key", verr.Field)

			_, _, err = nodes.Get(key)
			assert.ErrorIs(t, err, ErrInvalidKey)
			_, err = nodes.Update(key, nil)
			assert.ErrorIs(t, err, ErrInvalidKey)
			_, err = nodes.Delete(key)
			assert.ErrorIs(t, err, ErrInvalidKey)
			_, err = nodes.Contains(key)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}

	t.Run("should count rejected operations", func(t *testing.T) {
		ops := g.metrics.operations
		assert.Equal(t, 2.0, testutil.ToFloat64(ops.WithLabelValues("node.create", resultInvalid)))
		assert.Equal(t, 2.0, testutil.ToFloat64(ops.WithLabelValues("node.delete", resultInvalid)))
	})
}

func TestNodes_EmptyKey(t *testing.T) {
	g := openTestGraph(t, 10, 1)
	nodes := g.Nodes()

	ok, err := nodes.Create("", Properties("p"))
	require.NoError(t, err)
	require.True(t, ok)

	n, ok, err := nodes.Get("")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Node{Key: "", Properties: Properties("p")}, n)

	// An empty key has an empty bucket
	assert.FileExists(t, filepath.Join(g.nodesDir, "node-partition-0.json"))

	ok, err = nodes.Create("", Properties("q"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{""}, slices.Collect(nodes.Keys()))

	ok, err = nodes.Delete("")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = nodes.Contains("")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNodes_Capacity(t *testing.T) {
	g := openTestGraph(t, 2, 1)
	for i := 1; i <= 5; i++ {
		mustCreateNode(t, g, fmt.Sprintf("a%d", i), "{}")
	}

	t.Run("should fill a partition up to its capacity", func(t *testing.T) {
		bucket := filepath.Join(g.nodesDir, "a")
		sizes := partitionSizes(t, g.nodes.family, newNodePartition)
		assert.Equal(t, map[string]int{
			filepath.Join(bucket, "node-partition-0.json"): 2,
			filepath.Join(bucket, "node-partition-1.json"): 2,
			filepath.Join(bucket, "node-partition-2.json"): 1,
		}, sizes)
	})

	t.Run("should reuse freed room in an older partition", func(t *testing.T) {
		ok, err := g.Nodes().Delete("a1")
		require.NoError(t, err)
		require.True(t, ok)
		mustCreateNode(t, g, "a6", "{}")
		mustCreateNode(t, g, "a7", "{}")

		// a6 fills partition 2, a7 takes the slot freed in partition 0
		p := new(nodePartition)
		require.NoError(t, g.nodes.family.load(filepath.Join(g.nodesDir, "a", "node-partition-0.json"), p))
		assert.Equal(t, 2, p.Size)
		assert.Contains(t, p.Nodes, "a7")
	})

	t.Run("should keep numbering after the newest partition empties", func(t *testing.T) {
		mustCreateNode(t, g, "a8", "{}")
		paths, err := g.nodes.family.list([]string{"a"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(g.nodesDir, "a", "node-partition-3.json"), paths[0])
	})
}

func TestNodes_Iterate(t *testing.T) {
	g := openTestGraph(t, 2, 1)
	keys := []string{"apple", "avocado", "banana", "cherry", "-dash", "épée", "apricot"}
	for _, k := range keys {
		mustCreateNode(t, g, k, k)
	}

	t.Run("should yield every node once", func(t *testing.T) {
		got := map[string]string{}
		for n := range g.Nodes().All() {
			got[n.Key] = string(n.Properties)
		}
		require.Len(t, got, len(keys))
		for _, k := range keys {
			assert.Equal(t, k, got[k])
		}
	})

	t.Run("should yield every key", func(t *testing.T) {
		assert.ElementsMatch(t, keys, slices.Collect(g.Nodes().Keys()))
	})

	t.Run("should stop early", func(t *testing.T) {
		n := 0
		for range g.Nodes().Keys() {
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	})

	t.Run("should bucket punctuation and misc keys", func(t *testing.T) {
		assert.DirExists(t, filepath.Join(g.nodesDir, PunctuationSegment))
		assert.DirExists(t, filepath.Join(g.nodesDir, MiscSegment))
	})
}

func TestNodes_Filters(t *testing.T) {
	g := openTestGraph(t, 5, 0)
	for i := 0; i < 20; i++ {
		mustCreateNode(t, g, fmt.Sprintf("n%d", i), "{}")
	}

	skips := g.metrics.filterSkips.WithLabelValues(string(kindNode))
	before := testutil.ToFloat64(skips)
	ok, err := g.Nodes().Contains("n3")
	require.NoError(t, err)
	require.True(t, ok)

	// n3 is in the oldest of four partitions; the newer three are ruled out
	// by their filters unless they produce false positives.
	assert.Greater(t, testutil.ToFloat64(skips), before)
}
