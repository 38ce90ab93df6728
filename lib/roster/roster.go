// Package roster loads the users file: which accounts chase which
// courses. The file is operator-edited while the bot runs, so every tick
// re-reads it and swaps in an immutable snapshot when the content hash
// changed. An empty or missing file keeps the previous snapshot, a typo
// must not wipe a running configuration.
package roster

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/titanous/json5"
)

type User struct {
	Account    string   `json:"account"`
	Password   string   `json:"password"`
	LineUserID string   `json:"line_user_id,omitempty"`
	Courses    []string `json:"courses"`
}

// Snapshot is an immutable view of the roster. The orchestrator reads one
// snapshot per tick, never the loader's internals.
type Snapshot struct {
	Users []User
}

// AllCourses returns the deduplicated union of every user's target
// courses, in sorted order.
func (s *Snapshot) AllCourses() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, u := range s.Users {
		for _, c := range u.Courses {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// WantsCourse reports whether the user targets the course.
func (u User) WantsCourse(courseID string) bool {
	return slices.Contains(u.Courses, courseID)
}

type Loader struct {
	path     string
	lastHash string
	current  *Snapshot
}

func NewLoader(path string) *Loader {
	return &Loader{path: path, current: &Snapshot{}}
}

// Load re-reads the file and returns the active snapshot plus whether it
// changed since the last call. Unreadable, empty or malformed content is
// logged and the prior snapshot retained.
func (l *Loader) Load() (*Snapshot, bool) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		slog.Warn("failed to read users file, keeping previous roster",
			"path", l.path, "err", err)
		return l.current, false
	}
	if len(raw) == 0 {
		slog.Warn("users file is empty, keeping previous roster", "path", l.path)
		return l.current, false
	}

	sum := md5.Sum(raw)
	hash := hex.EncodeToString(sum[:])
	if hash == l.lastHash {
		return l.current, false
	}

	var users []User
	if err := json5.Unmarshal(raw, &users); err != nil {
		slog.Error("failed to parse users file, keeping previous roster",
			"path", l.path, "err", err)
		return l.current, false
	}
	if len(users) == 0 {
		slog.Warn("users file lists nobody, keeping previous roster", "path", l.path)
		return l.current, false
	}

	l.lastHash = hash
	l.current = &Snapshot{Users: users}

	accounts := make([]string, len(users))
	for i, u := range users {
		accounts[i] = u.Account
	}
	slog.Info("roster updated",
		"path", l.path,
		"accounts", accounts,
		"courses", l.current.AllCourses())

	return l.current, true
}

// RemoveCourse rewrites the users file with the course dropped from one
// account's list. Called after a successful enrollment so the bot stops
// chasing a seat it already has.
func RemoveCourse(path, account, courseID string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}

	var users []User
	if err := json5.Unmarshal(raw, &users); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}

	changed := false
	for i := range users {
		if users[i].Account != account {
			continue
		}
		filtered := slices.DeleteFunc(slices.Clone(users[i].Courses), func(c string) bool {
			return c == courseID
		})
		if len(filtered) != len(users[i].Courses) {
			users[i].Courses = filtered
			changed = true
		}
	}
	if !changed {
		return nil
	}

	out, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}

	slog.Info("removed enrolled course from roster", "account", account, "course", courseID)
	return nil
}
