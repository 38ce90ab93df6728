// Package sso drives the single-sign-on login form: CSRF token, a
// 4-character OCR captcha and a status endpoint that answers a literal
// "true"/"false".
package sso

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/aspnet"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/captcha"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/sso")

const (
	DefaultLoginURL   = "https://webapp.yuntech.edu.tw/YunTechSSO/Account/Login"
	DefaultCaptchaURL = "https://webapp.yuntech.edu.tw/YunTechSSO/Captcha/Number"
	DefaultStatusURL  = "https://webapp.yuntech.edu.tw/YunTechSSO/Account/IsLogined"
)

const captchaFetchAttempts = 5

// Authenticator logs one account's session in. It borrows the account's
// HTTP client and the shared recognizer, it owns neither.
type Authenticator struct {
	http       *resty.Client
	recognizer captcha.Recognizer

	loginURL   string
	captchaURL string
	statusURL  string
}

type Options struct {
	LoginURL   string
	CaptchaURL string
	StatusURL  string
}

func NewAuthenticator(client *resty.Client, recognizer captcha.Recognizer, opts Options) *Authenticator {
	if opts.LoginURL == "" {
		opts.LoginURL = DefaultLoginURL
	}
	if opts.CaptchaURL == "" {
		opts.CaptchaURL = DefaultCaptchaURL
	}
	if opts.StatusURL == "" {
		opts.StatusURL = DefaultStatusURL
	}
	return &Authenticator{
		http:       client,
		recognizer: recognizer,
		loginURL:   opts.LoginURL,
		captchaURL: opts.CaptchaURL,
		statusURL:  opts.StatusURL,
	}
}

// IsLoggedIn probes the status endpoint. Any transport failure counts as
// logged out.
func (a *Authenticator) IsLoggedIn(ctx context.Context) bool {
	res, err := a.http.R().
		SetContext(ctx).
		Get(a.statusURL)
	if err != nil {
		slog.DebugContext(ctx, "login status probe failed", "err", err)
		return false
	}
	return strings.EqualFold(strings.TrimSpace(res.String()), "true")
}

// Login authenticates with up to maxRetries full attempts. It returns a
// bare bool: every error on the way is logged and consumed, a wrong
// captcha or flaky network just burns one attempt.
func (a *Authenticator) Login(ctx context.Context, account, password string, maxRetries int) bool {
	ctx, span := tracer.Start(ctx, "authenticator:Login")
	defer span.End()

	if a.IsLoggedIn(ctx) {
		slog.InfoContext(ctx, "already logged in", "account", account)
		return true
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ok, err := a.attempt(ctx, account, password)
		if err != nil {
			slog.WarnContext(ctx, "login attempt failed",
				"account", account, "attempt", attempt, "err", err)
			continue
		}
		if ok {
			slog.InfoContext(ctx, "logged in", "account", account, "attempt", attempt)
			return true
		}
		slog.WarnContext(ctx, "login rejected, wrong captcha or credentials",
			"account", account, "attempt", attempt)
	}

	span.SetStatus(codes.Error, "login retries exhausted")
	return false
}

func (a *Authenticator) attempt(ctx context.Context, account, password string) (bool, error) {
	res, err := a.http.R().
		SetContext(ctx).
		Get(a.loginURL)
	if err != nil {
		return false, fmt.Errorf("fetch login page: %w", err)
	}
	page, err := aspnet.Parse(res.Body())
	if err != nil {
		return false, err
	}

	token := page.InputValue("__RequestVerificationToken")
	if token == "" {
		return false, fmt.Errorf("login page carries no verification token")
	}

	code, err := a.fetchAndSolveCaptcha(ctx)
	if err != nil {
		return false, fmt.Errorf("no clear captcha after %d fetches: %w", captchaFetchAttempts, err)
	}

	_, err = a.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"__RequestVerificationToken": token,
			"pLoginName":                 account,
			"pLoginPassword":             password,
			"pRememberMe":                "true",
			"pSecretString":              code,
		}).
		Post(a.loginURL)
	if err != nil {
		return false, fmt.Errorf("post credentials: %w", err)
	}

	return a.IsLoggedIn(ctx), nil
}

// fetchAndSolveCaptcha re-fetches the captcha until the recognizer reads
// exactly four characters. The endpoint returns the image as a bare base64
// string, sometimes quoted.
func (a *Authenticator) fetchAndSolveCaptcha(ctx context.Context) (string, error) {
	var code string
	err := retry.Do(
		func() error {
			res, err := a.http.R().
				SetContext(ctx).
				Get(a.captchaURL)
			if err != nil {
				return err
			}

			image := strings.Trim(strings.TrimSpace(res.String()), `"`)
			text, err := a.recognizer.Solve(ctx, image)
			if err != nil {
				return err
			}
			if len(text) != captcha.CodeLength {
				return fmt.Errorf("recognized %q, want %d characters", text, captcha.CodeLength)
			}

			code = text
			return nil
		},
		retry.Attempts(captchaFetchAttempts),
		retry.Delay(time.Millisecond*200),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.DebugContext(ctx, "re-fetching captcha", "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return "", err
	}
	return code, nil
}
