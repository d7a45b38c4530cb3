package storage

import (
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelationPartition() partition { return new(relationPartition) }
func newPropertyPartition() partition { return new(propertyPartition) }

func sortedNeighbors(t *testing.T, g *Graph, key string) (out, in []string) {
	t.Helper()
	outSeq, err := g.Edges().Outgoing(key)
	require.NoError(t, err)
	inSeq, err := g.Edges().Incoming(key)
	require.NoError(t, err)
	return slices.Sorted(outSeq), slices.Sorted(inSeq)
}

func TestEdges_CRUD(t *testing.T) {
	g := openTestGraph(t, 10, 1)
	edges := g.Edges()

	t.Run("should create and get an edge", func(t *testing.T) {
		ok, err := edges.Create("a", "b", Properties(`{"w":1}`))
		require.NoError(t, err)
		assert.True(t, ok)

		e, ok, err := edges.Get("a", "b")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, Edge{Source: "a", Target: "b", Properties: Properties(`{"w":1}`)}, e)

		ok, err = edges.Contains("a", "b")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should treat edges as directed", func(t *testing.T) {
		ok, err := edges.Contains("b", "a")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = edges.Get("b", "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should reject a duplicate edge", func(t *testing.T) {
		ok, err := edges.Create("a", "b", Properties(`{"w":9}`))
		require.NoError(t, err)
		assert.False(t, ok)

		e, _, err := edges.Get("a", "b")
		require.NoError(t, err)
		assert.Equal(t, Properties(`{"w":1}`), e.Properties)
	})

	t.Run("should update properties only", func(t *testing.T) {
		relationsBefore := partitionSizes(t, g.edges.relations, newRelationPartition)
		ok, err := edges.Update("a", "b", Properties(`{"w":2}`))
		require.NoError(t, err)
		assert.True(t, ok)

		e, _, err := edges.Get("a", "b")
		require.NoError(t, err)
		assert.Equal(t, Properties(`{"w":2}`), e.Properties)
		assert.Equal(t, relationsBefore, partitionSizes(t, g.edges.relations, newRelationPartition))
	})

	t.Run("should not update a missing edge", func(t *testing.T) {
		ok, err := edges.Update("a", "c", nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should delete an edge from both families", func(t *testing.T) {
		ok, err := edges.Delete("a", "b")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = edges.Contains("a", "b")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = edges.Get("a", "b")
		require.NoError(t, err)
		assert.False(t, ok)

		out, in := sortedNeighbors(t, g, "a")
		assert.Empty(t, out)
		assert.Empty(t, in)
	})

	t.Run("should fail to delete a missing edge without changing sizes", func(t *testing.T) {
		mustCreateEdge(t, g, "a", "c", "{}")
		relations := partitionSizes(t, g.edges.relations, newRelationPartition)
		properties := partitionSizes(t, g.edges.properties, newPropertyPartition)

		ok, err := edges.Delete("a", "b")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, relations, partitionSizes(t, g.edges.relations, newRelationPartition))
		assert.Equal(t, properties, partitionSizes(t, g.edges.properties, newPropertyPartition))
	})

	t.Run("should leave no intents behind", func(t *testing.T) {
		intents, err := g.edges.intents.pending()
		require.NoError(t, err)
		assert.Empty(t, intents)
	})
}

func TestEdges_Validation(t *testing.T) {
	g := openTestGraph(t, 10, 1)
	edges := g.Edges()

	tests := []struct {
		name   string
		source string
		target string
		field  string
	}{
		{"invalid utf-8 source", "\xff", "b", "source"},
		{"invalid utf-8 target", "a", "\xc3", "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := edges.Create(tt.source, tt.target, nil)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			_, _, err = edges.Get(tt.source, tt.target)
			assert.ErrorIs(t, err, ErrInvalidKey)
			_, err = edges.Update(tt.source, tt.target, nil)
			assert.ErrorIs(t, err, ErrInvalidKey)
			_, err = edges.Delete(tt.source, tt.target)
			assert.ErrorIs(t, err, ErrInvalidKey)
			_, err = edges.Contains(tt.source, tt.target)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}

	t.Run("should reject an invalid neighbor query", func(t *testing.T) {
		_, err := edges.Outgoing("\xff")
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = edges.Incoming("\xff")
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = edges.DeleteAll("\xff")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestEdges_EmptyKey(t *testing.T) {
	g := openTestGraph(t, 10, 1)
	mustCreateEdge(t, g, "", "a", "to")
	mustCreateEdge(t, g, "a", "", "from")

	e, ok, err := g.Edges().Get("", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Edge{Source: "", Target: "a", Properties: Properties("to")}, e)

	out, in := sortedNeighbors(t, g, "")
	assert.Equal(t, []string{"a"}, out)
	assert.Equal(t, []string{"a"}, in)

	ok, err = g.Edges().DeleteAll("")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, slices.Collect(g.Edges().All()))

	r, err := g.Check()
	require.NoError(t, err)
	assert.True(t, r.OK(), "%+v", r)
}

func TestEdges_Adjacency(t *testing.T) {
	// Sources and targets in the same bucket and across buckets, at each
	// bucket depth.
	pairs := [][2]string{
		{"ab", "ac"},
		{"ab", "xy"},
		{"xy", "ab"},
		{"xz", "ac"},
		{"ac", "ac"},
	}
	for _, depth := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			g := openTestGraph(t, 2, depth)
			for _, p := range pairs {
				mustCreateEdge(t, g, p[0], p[1], "{}")
			}

			want := map[string][2][]string{
				"ab": {{"ac", "xy"}, {"xy"}},
				"ac": {{"ac"}, {"ab", "ac", "xz"}},
				"xy": {{"ab"}, {"ab"}},
				"xz": {{"ac"}, nil},
			}
			for key, w := range want {
				out, in := sortedNeighbors(t, g, key)
				if diff := cmp.Diff(w[0], out); diff != "" {
					t.Errorf("Outgoing(%q) mismatch (-want +got):\n%s", key, diff)
				}
				if diff := cmp.Diff(w[1], in); diff != "" {
					t.Errorf("Incoming(%q) mismatch (-want +got):\n%s", key, diff)
				}
			}

			// Every edge is reachable from both ends
			for _, p := range pairs {
				out, _ := sortedNeighbors(t, g, p[0])
				_, in := sortedNeighbors(t, g, p[1])
				assert.Contains(t, out, p[1])
				assert.Contains(t, in, p[0])
			}

			r, err := g.Check()
			require.NoError(t, err)
			assert.True(t, r.OK(), "%+v", r)
		})
	}
}

func TestEdges_Buckets(t *testing.T) {
	g := openTestGraph(t, 10, 1)
	mustCreateEdge(t, g, "ab", "zz", "{}")

	t.Run("should store an edge in its source's bucket", func(t *testing.T) {
		assert.FileExists(t, filepath.Join(g.relationsDir, "a", "edge-relation-partition-0.json"))
		assert.FileExists(t, filepath.Join(g.propertiesDir, "a", "edge-property-partition-0.json"))
		assert.NoDirExists(t, filepath.Join(g.relationsDir, "z"))
	})

	t.Run("should find incoming edges outside the target's bucket", func(t *testing.T) {
		_, in := sortedNeighbors(t, g, "zz")
		assert.Equal(t, []string{"ab"}, in)
	})
}

func TestEdges_DeleteAll(t *testing.T) {
	g := openTestGraph(t, 2, 1)
	mustCreateEdge(t, g, "a", "b", "1")
	mustCreateEdge(t, g, "b", "a", "2")
	mustCreateEdge(t, g, "a", "a", "3")
	mustCreateEdge(t, g, "c", "a", "4")
	mustCreateEdge(t, g, "c", "b", "5")
	mustCreateEdge(t, g, "b", "c", "6")

	ok, err := g.Edges().DeleteAll("a")
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("should remove every edge touching the key", func(t *testing.T) {
		out, in := sortedNeighbors(t, g, "a")
		assert.Empty(t, out)
		assert.Empty(t, in)

		var got []EdgeKey
		for e := range g.Edges().All() {
			got = append(got, EdgeKey{Source: e.Source, Target: e.Target})
		}
		sortEdgeKeys(got)
		assert.Equal(t, []EdgeKey{{"b", "c"}, {"c", "b"}}, got)
	})

	t.Run("should keep sizes in step with the payloads", func(t *testing.T) {
		r, err := g.Check()
		require.NoError(t, err)
		assert.True(t, r.OK(), "%+v", r)

		s, err := g.Stats()
		require.NoError(t, err)
		assert.Equal(t, 2, s.EdgeRelations.Records)
		assert.Equal(t, 2, s.EdgeRelations.RecordedSize)
		assert.Equal(t, 2, s.EdgeProperties.Records)
		assert.Equal(t, 2, s.EdgeProperties.RecordedSize)
	})

	t.Run("should succeed for a key without edges", func(t *testing.T) {
		ok, err := g.Edges().DeleteAll("nobody")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestEdges_All(t *testing.T) {
	g := openTestGraph(t, 2, 1)
	mustCreateEdge(t, g, "a", "b", "ab")
	mustCreateEdge(t, g, "a", "c", "ac")
	mustCreateEdge(t, g, "a", "d", "ad")
	mustCreateEdge(t, g, "q", "a", "qa")

	t.Run("should yield every edge", func(t *testing.T) {
		got := map[EdgeKey]string{}
		for e := range g.Edges().All() {
			got[EdgeKey{Source: e.Source, Target: e.Target}] = string(e.Properties)
		}
		assert.Equal(t, map[EdgeKey]string{
			{"a", "b"}: "ab",
			{"a", "c"}: "ac",
			{"a", "d"}: "ad",
			{"q", "a"}: "qa",
		}, got)
	})

	t.Run("should roll both families over at capacity", func(t *testing.T) {
		for _, tt := range []struct {
			family       *family
			name         string
			newPartition func() partition
		}{
			{g.edges.relations, "edge-relation", newRelationPartition},
			{g.edges.properties, "edge-property", newPropertyPartition},
		} {
			want := map[string]int{
				filepath.Join(tt.family.dir, "a", tt.name+"-partition-0.json"): 2,
				filepath.Join(tt.family.dir, "a", tt.name+"-partition-1.json"): 1,
				filepath.Join(tt.family.dir, "q", tt.name+"-partition-0.json"): 1,
			}
			sizes := partitionSizes(t, tt.family, tt.newPartition)
			assert.Equal(t, want, sizes, tt.name)
			for path, size := range sizes {
				assert.LessOrEqual(t, size, tt.family.capacity, path)
			}
		}
	})
}
