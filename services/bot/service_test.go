package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/botstate"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/roster"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/scrapers/coursequery"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/telemetry"

	"github.com/stretchr/testify/require"
)

type checkResult struct {
	info coursequery.CourseInfo
	err  error
}

// scriptedAvailability replays per-course sequences of poll results, the
// last entry repeating forever.
type scriptedAvailability struct {
	mu    sync.Mutex
	seq   map[string][]checkResult
	calls map[string]int
}

func newScriptedAvailability() *scriptedAvailability {
	return &scriptedAvailability{
		seq:   map[string][]checkResult{},
		calls: map[string]int{},
	}
}

func (s *scriptedAvailability) add(courseID string, r checkResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[courseID] = append(s.seq[courseID], r)
}

func (s *scriptedAvailability) next(courseID string) checkResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[courseID]++
	seq := s.seq[courseID]
	if len(seq) == 0 {
		return checkResult{err: errors.New("unscripted course " + courseID)}
	}
	i := s.calls[courseID] - 1
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return seq[i]
}

func (s *scriptedAvailability) callCount(courseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[courseID]
}

type scriptedChecker struct {
	script   *scriptedAvailability
	courseID string
}

func (c *scriptedChecker) GetCourseInfo(_ context.Context, courseID string) (coursequery.CourseInfo, error) {
	r := c.script.next(courseID)
	return r.info, r.err
}

type fakeAgent struct {
	mu       sync.Mutex
	loginOK  bool
	enrollOK bool
	msg      string
	enrolled []string
}

func (a *fakeAgent) EnsureLoggedIn(context.Context) bool { return a.loginOK }

func (a *fakeAgent) Enroll(_ context.Context, courseID string) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enrolled = append(a.enrolled, courseID)
	return a.enrollOK, a.msg
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	mentions [][]string
}

func (n *fakeNotifier) Send(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	n.mentions = append(n.mentions, nil)
	return nil
}

func (n *fakeNotifier) SendWithMentions(_ context.Context, text string, ids []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	n.mentions = append(n.mentions, ids)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func open(courseID string, enrolled int) checkResult {
	return checkResult{info: coursequery.CourseInfo{
		ID: courseID, Name: "資料結構", Enrolled: enrolled, Capacity: 30,
	}}
}

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type testEnv struct {
	service   *Service
	script    *scriptedAvailability
	agent     *fakeAgent
	notifier  *fakeNotifier
	tracker   *botstate.Tracker
	usersFile string
}

func newTestEnv(t *testing.T, usersJSON string) *testEnv {
	t.Helper()

	env := &testEnv{
		script:    newScriptedAvailability(),
		agent:     &fakeAgent{loginOK: true, msg: "人數已滿"},
		notifier:  &fakeNotifier{},
		tracker:   botstate.NewTracker(),
		usersFile: writeRoster(t, usersJSON),
	}
	env.service = NewService(
		Config{
			Interval:  time.Second * 30,
			UsersFile: env.usersFile,
		},
		Dependencies{
			Loader:   roster.NewLoader(env.usersFile),
			Tracker:  env.tracker,
			Notifier: env.notifier,
			NewChecker: func(courseID string) Checker {
				return &scriptedChecker{script: env.script, courseID: courseID}
			},
			NewAgent: func(roster.User) Agent { return env.agent },
		},
	)
	return env
}

const singleUser = `[
  {"account": "u1103333", "password": "pw", "line_user_id": "U123", "courses": ["1101"]}
]`

func TestOpeningNotifiesExactlyOncePerPair(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:services/bot")
	defer cleanup()

	env := newTestEnv(t, singleUser)
	ctx := context.Background()

	// full course: nothing to report
	env.script.add("1101", open("1101", 30))
	env.service.tick(ctx)
	require.Equal(t, 0, env.notifier.count())

	// a seat opens: exactly one notification, with the user mentioned
	env.script.add("1101", open("1101", 29))
	env.service.tick(ctx)
	require.Equal(t, 1, env.notifier.count())
	require.Equal(t, []string{"U123"}, env.notifier.mentions[0])
	require.True(t, env.tracker.AlreadyNotified("1101", "u1103333"))

	// still open on the next poll: no repeat
	env.service.tick(ctx)
	require.Equal(t, 1, env.notifier.count())

	// observed full again: the pair re-arms
	env.script.add("1101", open("1101", 30))
	env.service.tick(ctx)
	require.Equal(t, 1, env.notifier.count())
	require.False(t, env.tracker.AlreadyNotified("1101", "u1103333"))

	// and the next opening notifies afresh
	env.script.add("1101", open("1101", 29))
	env.service.tick(ctx)
	require.Equal(t, 2, env.notifier.count())
}

func TestSuccessfulEnrollmentUpdatesRoster(t *testing.T) {
	env := newTestEnv(t, singleUser)
	env.agent.enrollOK = true
	env.agent.msg = "選課成功"

	env.script.add("1101", open("1101", 29))
	env.service.tick(context.Background())

	require.Equal(t, []string{"1101"}, env.agent.enrolled)
	require.Equal(t, 1, env.notifier.count())
	require.Contains(t, env.notifier.messages[0], "選課成功")
	require.Contains(t, env.notifier.messages[0], "1101")

	raw, err := os.ReadFile(env.usersFile)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "1101")
}

func TestScrapeFailuresSilenceCourse(t *testing.T) {
	env := newTestEnv(t, singleUser)
	ctx := context.Background()

	env.script.add("1101", checkResult{err: errors.New("connection reset")})
	for i := 0; i < 3; i++ {
		env.service.tick(ctx)
	}
	require.Equal(t, 3, env.tracker.ErrorCount("1101"))
	require.True(t, env.tracker.IsSilenced("1101"))

	// while silenced the course is not scraped at all
	env.service.tick(ctx)
	require.Equal(t, 3, env.script.callCount("1101"))
	require.Equal(t, 0, env.notifier.count())
}

func TestScrapeSuccessResetsFailures(t *testing.T) {
	env := newTestEnv(t, singleUser)
	ctx := context.Background()

	env.script.add("1101", checkResult{err: errors.New("boom")})
	env.script.add("1101", checkResult{err: errors.New("boom")})
	env.script.add("1101", open("1101", 30))

	env.service.tick(ctx)
	env.service.tick(ctx)
	require.Equal(t, 2, env.tracker.ErrorCount("1101"))

	env.service.tick(ctx)
	require.Equal(t, 0, env.tracker.ErrorCount("1101"))
}

func TestLoginFailureSkipsUserWithoutMarking(t *testing.T) {
	env := newTestEnv(t, singleUser)
	env.agent.loginOK = false

	env.script.add("1101", open("1101", 29))
	env.service.tick(context.Background())

	require.Empty(t, env.agent.enrolled)
	require.Equal(t, 0, env.notifier.count())
	// not marked: the next tick retries from scratch
	require.False(t, env.tracker.AlreadyNotified("1101", "u1103333"))
}

func TestMultipleUsersShareOneOpening(t *testing.T) {
	env := newTestEnv(t, `[
  {"account": "u1103333", "password": "pw", "line_user_id": "U123", "courses": ["1101"]},
  {"account": "u1104444", "password": "pw", "courses": ["1101"]}
]`)

	env.script.add("1101", open("1101", 29))
	env.service.tick(context.Background())

	// one enrollment attempt and one notification per interested user
	require.Len(t, env.agent.enrolled, 2)
	require.Equal(t, 2, env.notifier.count())
	require.True(t, env.tracker.AlreadyNotified("1101", "u1103333"))
	require.True(t, env.tracker.AlreadyNotified("1101", "u1104444"))
}

func TestRunHonorsContext(t *testing.T) {
	env := newTestEnv(t, singleUser)
	env.script.add("1101", open("1101", 30))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.service.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestIsTimeout(t *testing.T) {
	require.True(t, isTimeout(context.DeadlineExceeded))
	require.True(t, isTimeout(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	require.False(t, isTimeout(errors.New("connection refused")))
}
