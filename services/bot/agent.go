package bot

import (
	"context"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/captcha"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/roster"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/scrapers/enroll"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/scrapers/session"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/scrapers/sso"
)

// accountAgent is the production Agent: one cookie session per account,
// shared between the authenticator and the enroller so the login carries
// over into the wizard. The recognizer is borrowed, one instance serves
// every account.
type accountAgent struct {
	account    string
	password   string
	maxRetries int
	auth       *sso.Authenticator
	enroller   *enroll.Enroller
}

// NewAccountAgent builds an Agent for one roster user.
func NewAccountAgent(user roster.User, recognizer captcha.Recognizer, loginMaxRetries int) Agent {
	client := session.New(session.Options{
		TracerName: "services/bot/http",
	})
	return &accountAgent{
		account:    user.Account,
		password:   user.Password,
		maxRetries: loginMaxRetries,
		auth:       sso.NewAuthenticator(client, recognizer, sso.Options{}),
		enroller:   enroll.NewEnroller(client, recognizer, enroll.Options{}),
	}
}

func (a *accountAgent) EnsureLoggedIn(ctx context.Context) bool {
	if a.auth.IsLoggedIn(ctx) {
		return true
	}
	return a.auth.Login(ctx, a.account, a.password, a.maxRetries)
}

func (a *accountAgent) Enroll(ctx context.Context, courseID string) (bool, string) {
	return a.enroller.Enroll(ctx, courseID)
}
