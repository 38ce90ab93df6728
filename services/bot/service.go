// Package bot ties the scrapers together: a fixed-interval polling loop
// that checks seat counts in parallel, then walks interested users through
// login and enrollment one at a time.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/botstate"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/roster"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/scrapers/coursequery"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("services/bot")

// Checker reports seat counts for one course. Checkers keep a persistent
// session for connection reuse and are replaced once a request fails.
type Checker interface {
	GetCourseInfo(ctx context.Context, courseID string) (coursequery.CourseInfo, error)
}

// Agent owns one account's authenticated session and wizard flow.
type Agent interface {
	EnsureLoggedIn(ctx context.Context) bool
	Enroll(ctx context.Context, courseID string) (ok bool, msg string)
}

// Notifier delivers operator messages, best effort.
type Notifier interface {
	Send(ctx context.Context, text string) error
	SendWithMentions(ctx context.Context, text string, userIDs []string) error
}

type Config struct {
	// Interval between polling ticks.
	Interval time.Duration
	// TickBudget is how long a tick may run before the scheduler gives
	// up on it. Defaults to 4x the interval, like the original cron
	// guard. The abandoned tick finishes on its own, its results are
	// simply no longer waited for.
	TickBudget time.Duration
	// UsersFile is rewritten when an enrollment succeeds.
	UsersFile string
}

type Dependencies struct {
	Loader     *roster.Loader
	Tracker    *botstate.Tracker
	Notifier   Notifier
	NewChecker func(courseID string) Checker
	NewAgent   func(user roster.User) Agent
}

type Service struct {
	cfg  Config
	deps Dependencies

	mu       sync.Mutex
	checkers map[string]Checker
	agents   map[string]Agent
}

func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.TickBudget == 0 {
		cfg.TickBudget = cfg.Interval * 4
	}
	return &Service{
		cfg:      cfg,
		deps:     deps,
		checkers: map[string]Checker{},
		agents:   map[string]Agent{},
	}
}

// Run polls until the context is cancelled. The first tick fires
// immediately. A tick overrunning its budget is abandoned so a stuck
// portal cannot stall the schedule.
func (s *Service) Run(ctx context.Context) {
	slog.InfoContext(ctx, "course bot started",
		"interval", s.cfg.Interval, "tick_budget", s.cfg.TickBudget)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var done chan struct{}
	var deadline time.Time

	start := func() {
		d := make(chan struct{})
		done = d
		deadline = time.Now().Add(s.cfg.TickBudget)
		go func() {
			defer close(d)
			s.tick(ctx)
		}()
	}
	start()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "course bot stopping")
			return
		case <-ticker.C:
		}

		if done != nil {
			select {
			case <-done:
				done = nil
			default:
			}
		}
		if done != nil {
			if time.Now().Before(deadline) {
				slog.DebugContext(ctx, "previous tick still running, skipping this interval")
				continue
			}
			// no cancellation is propagated; the goroutine finishes or
			// fails on its own and its results are ignored
			slog.WarnContext(ctx, "tick exceeded budget, abandoning it",
				"budget", s.cfg.TickBudget)
			done = nil
		}
		start()
	}
}

func (s *Service) tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "service:tick")
	defer span.End()

	snapshot, changed := s.deps.Loader.Load()
	if changed {
		// credentials may have changed, stale sessions go with them
		s.mu.Lock()
		s.agents = map[string]Agent{}
		s.mu.Unlock()
	}

	courses := snapshot.AllCourses()
	if len(courses) == 0 {
		return
	}

	results := s.checkAvailability(ctx, courses)

	// a course seen full again re-arms its notifications
	for _, courseID := range sortedKeys(results) {
		info := results[courseID]
		if info.Open() {
			continue
		}
		for _, user := range snapshot.Users {
			if user.WantsCourse(courseID) {
				s.deps.Tracker.UnmarkNotified(courseID, user.Account)
			}
		}
	}

	for _, user := range snapshot.Users {
		s.enrollUser(ctx, user, results)
	}
}

// checkAvailability fans one goroutine out per distinct course. The checks
// are independent read-only calls on per-course sessions, only the tracker
// and the result map are shared.
func (s *Service) checkAvailability(ctx context.Context, courses []string) map[string]coursequery.CourseInfo {
	results := map[string]coursequery.CourseInfo{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, courseID := range courses {
		if s.deps.Tracker.IsSilenced(courseID) {
			slog.DebugContext(ctx, "course silenced, skipping", "course", courseID)
			continue
		}

		wg.Add(1)
		go func(courseID string) {
			defer wg.Done()

			started := time.Now()
			info, err := s.checker(courseID).GetCourseInfo(ctx, courseID)
			if err != nil {
				s.dropChecker(courseID)
				s.deps.Tracker.IncrementError(courseID, isTimeout(err))
				slog.ErrorContext(ctx, "availability check failed",
					"course", courseID,
					"elapsed", time.Since(started).Round(time.Millisecond),
					"failures", s.deps.Tracker.ErrorCount(courseID),
					"err", err)
				return
			}
			s.deps.Tracker.ResetError(courseID)

			mu.Lock()
			results[courseID] = info
			mu.Unlock()
		}(courseID)
	}

	wg.Wait()
	return results
}

// enrollUser runs login plus the wizard for every open course this user
// still wants. Strictly sequential: the wizard mutates the account's
// session state step by step.
func (s *Service) enrollUser(ctx context.Context, user roster.User, results map[string]coursequery.CourseInfo) {
	var open []coursequery.CourseInfo
	for _, courseID := range sortedKeys(results) {
		info := results[courseID]
		if !info.Open() || !user.WantsCourse(courseID) {
			continue
		}
		if s.deps.Tracker.AlreadyNotified(courseID, user.Account) {
			continue
		}
		open = append(open, info)
	}
	if len(open) == 0 {
		return
	}

	agent := s.agent(user)
	if !agent.EnsureLoggedIn(ctx) {
		slog.WarnContext(ctx, "login failed, skipping enrollment this tick",
			"account", user.Account)
		return
	}

	for _, info := range open {
		slog.InfoContext(ctx, "attempting enrollment",
			"account", user.Account, "course", info.ID, "name", info.Name)

		ok, reason := agent.Enroll(ctx, info.ID)
		if ok {
			text := fmt.Sprintf("🎉 選課成功！\n課程：%s (%s)", info.Name, info.ID)
			s.notify(ctx, text, user.LineUserID)
			s.deps.Tracker.MarkNotified(info.ID, user.Account)

			if err := roster.RemoveCourse(s.cfg.UsersFile, user.Account, info.ID); err != nil {
				slog.ErrorContext(ctx, "failed to update users file",
					"account", user.Account, "course", info.ID, "err", err)
			}
			continue
		}

		slog.ErrorContext(ctx, "enrollment failed",
			"account", user.Account, "course", info.ID, "reason", reason)
		text := fmt.Sprintf("❌ 加選失敗！\n帳號：%s\n課程：%s (%s)\n原因：%s",
			user.Account, info.Name, info.ID, reason)
		s.notify(ctx, text, user.LineUserID)
		// the opening was announced; re-notify only after the course
		// fills up and opens again
		s.deps.Tracker.MarkNotified(info.ID, user.Account)
	}
}

func (s *Service) notify(ctx context.Context, text, lineUserID string) {
	var err error
	if lineUserID != "" {
		err = s.deps.Notifier.SendWithMentions(ctx, text, []string{lineUserID})
	} else {
		err = s.deps.Notifier.Send(ctx, text)
	}
	if err != nil {
		slog.WarnContext(ctx, "notification delivery failed", "err", err)
	}
}

func (s *Service) checker(courseID string) Checker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.checkers[courseID]; ok {
		return c
	}
	c := s.deps.NewChecker(courseID)
	s.checkers[courseID] = c
	return c
}

func (s *Service) dropChecker(courseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkers, courseID)
}

func (s *Service) agent(user roster.User) Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.agents[user.Account]; ok {
		return a
	}
	a := s.deps.NewAgent(user)
	s.agents[user.Account] = a
	return a
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded)
}

func sortedKeys(m map[string]coursequery.CourseInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
