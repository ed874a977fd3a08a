package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()

	assert.Equal(t, "members", r.Members())
	assert.Len(t, r.Collections(), 15)

	lb, ok := r.Lookup("leaderboards")
	require.True(t, ok)
	assert.Equal(t, "leaderboardEntries", lb.Key())
	assert.True(t, lb.PrunesEntries())

	res, ok := r.Lookup("reservations")
	require.True(t, ok)
	assert.Equal(t, "reservations", res.Key())
	assert.False(t, res.PrunesEntries())
	assert.Equal(t, "reservations", res.NotifyCounter)

	_, ok = r.Lookup("unknown")
	assert.False(t, ok)
	assert.Nil(t, r.Paths("unknown"))
}

func TestParse(t *testing.T) {
	data := []byte(`
members: users
collections:
  - name: bookings
    paths:
      - path: userId
  - name: boards
    summaryKey: boardEntries
    cascade: pruneEntries
    paths:
      - path: rows
        shape: objectList
        key: userId
  - name: userExtras
    cascade: deleteById
    paths:
      - path: _id
    report: [badges]
    reportKey: badgeEntries
`)
	r, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "users", r.Members())
	assert.Equal(t, []string{"bookings", "boards", "userExtras"}, r.Names())

	boards, _ := r.Lookup("boards")
	assert.Equal(t, ObjectList, boards.Paths[0].Shape)
	assert.Equal(t, PruneEntries, boards.Cascade)
	assert.Equal(t, "rows[].userId", boards.Paths[0].String())

	extras, _ := r.Lookup("userExtras")
	assert.Equal(t, DeleteByID, extras.Cascade)
	assert.Equal(t, "badgeEntries", extras.ReportKey)
}

func TestRoundTripDefault(t *testing.T) {
	out, err := yaml.Marshal(Default().File())
	require.NoError(t, err)

	r, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, Default().Collections(), r.Collections())
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		coll Collection
	}{
		{"no name", Collection{Paths: []ReferencePath{scalar("a")}}},
		{"no paths", Collection{Name: "c"}},
		{"empty path", Collection{Name: "c", Paths: []ReferencePath{{Path: ""}}}},
		{"objectList without key", Collection{Name: "c", Paths: []ReferencePath{{Path: "e", Shape: ObjectList}}}},
		{"key on scalar", Collection{Name: "c", Paths: []ReferencePath{{Path: "e", Key: "id"}}}},
		{"mixed shapes", Collection{Name: "c", Paths: []ReferencePath{
			{Path: "e", Shape: ObjectList, Key: "id"},
			scalar("memberId"),
		}}},
		{"prune scalar", Collection{Name: "c", Cascade: PruneEntries, Paths: []ReferencePath{scalar("memberId")}}},
		{"deleteById wrong path", Collection{Name: "c", Cascade: DeleteByID, Paths: []ReferencePath{scalar("memberId")}}},
		{"report without key", Collection{Name: "c", Paths: []ReferencePath{scalar("memberId")}, Report: []string{"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("", []Collection{tt.coll})
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestDuplicateAndMemberCollection(t *testing.T) {
	c := Collection{Name: "a", Paths: []ReferencePath{scalar("memberId")}}
	_, err := New("", []Collection{c, c})
	require.Error(t, err)

	_, err = New("a", []Collection{c})
	require.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("collections: []"))
	require.Error(t, err)

	_, err = Parse([]byte("collections:\n  - name: a\n    paths:\n      - path: x\n        shape: triangle\n"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("collections:\n  - name: a\n    paths:\n      - path: memberId\n"), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, r.Names())
	assert.Equal(t, DefaultMemberCollection, r.Members())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
