package roster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const usersJSON = `[
  {"account": "u1103333", "password": "pw1", "line_user_id": "U123", "courses": ["1101", "2202"]},
  {"account": "u1104444", "password": "pw2", "courses": ["2202"]}
]`

func writeUsers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeUsers(t, usersJSON)
	loader := NewLoader(path)

	snap, changed := loader.Load()
	require.True(t, changed)
	require.Len(t, snap.Users, 2)
	require.Equal(t, []string{"1101", "2202"}, snap.AllCourses())
	require.True(t, snap.Users[0].WantsCourse("1101"))
	require.False(t, snap.Users[1].WantsCourse("1101"))

	// same content hash: no change, same snapshot
	again, changed := loader.Load()
	require.False(t, changed)
	require.Same(t, snap, again)
}

func TestLoadDetectsEdit(t *testing.T) {
	path := writeUsers(t, usersJSON)
	loader := NewLoader(path)

	_, changed := loader.Load()
	require.True(t, changed)

	require.NoError(t, os.WriteFile(path,
		[]byte(`[{"account": "u1103333", "password": "pw1", "courses": ["9999"]}]`), 0o644))

	snap, changed := loader.Load()
	require.True(t, changed)
	require.Equal(t, []string{"9999"}, snap.AllCourses())
}

func TestLoadRetainsOnBadContent(t *testing.T) {
	path := writeUsers(t, usersJSON)
	loader := NewLoader(path)

	snap, _ := loader.Load()
	require.Len(t, snap.Users, 2)

	for _, bad := range []string{"", "[]", "{not json"} {
		require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
		kept, changed := loader.Load()
		require.False(t, changed, "content %q", bad)
		require.Same(t, snap, kept, "content %q", bad)
	}
}

func TestLoadRetainsOnMissingFile(t *testing.T) {
	path := writeUsers(t, usersJSON)
	loader := NewLoader(path)

	snap, _ := loader.Load()
	require.NoError(t, os.Remove(path))

	kept, changed := loader.Load()
	require.False(t, changed)
	require.Same(t, snap, kept)
}

func TestRemoveCourse(t *testing.T) {
	path := writeUsers(t, usersJSON)

	require.NoError(t, RemoveCourse(path, "u1103333", "1101"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var users []User
	require.NoError(t, json.Unmarshal(raw, &users))
	require.Equal(t, []string{"2202"}, users[0].Courses)
	// the other account is untouched
	require.Equal(t, []string{"2202"}, users[1].Courses)

	// removing a course nobody has is a no-op, not an error
	require.NoError(t, RemoveCourse(path, "u1103333", "1101"))
}
