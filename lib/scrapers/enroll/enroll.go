// Package enroll drives the registration wizard on the AAXCCS portal:
// fetch page (completing the SSO redirect hop when needed), search the
// course, register it, advance to the confirmation step and clear the
// submit captcha. Every postback echoes the token bundle of the page it
// was built from, the server invalidates anything stale.
package enroll

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/aspnet"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/captcha"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/enroll")

const (
	DefaultBaseURL = "https://webapp.yuntech.edu.tw/AAXCCS/CourseSelectionRegister.aspx"
	DefaultOrigin  = "https://webapp.yuntech.edu.tw"
)

const (
	// counted submit attempts; a wrong captcha consumes one
	maxCaptchaAttempts = 5
	// free retries for an unreadable captcha before giving up on the page
	maxEmptyReads = 5
	// full restarts from the course search when a confirmation page
	// renders without any captcha image
	maxFlowAttempts = 3
)

const (
	searchField          = "ctl00$ContentPlaceHolder1$CurrentSubjTextBox"
	queryButton          = "ctl00$ContentPlaceHolder1$QueryButton"
	registerTarget       = "ctl00$ContentPlaceHolder1$RegisterButton"
	nextStepTarget       = "ctl00$ContentPlaceHolder1$NextStepButton"
	fallbackSubmitTarget = "ctl00$ContentPlaceHolder1$SaveButton"
	fallbackCaptchaField = "ctl00$ContentPlaceHolder1$CaptchaTextBox"
)

var (
	checkboxID     = regexp.MustCompile(`QueryCourseGridView_SelectCheckBox`)
	captchaImageID = regexp.MustCompile(`(?i)Captcha`)
	captchaInputID = regexp.MustCompile(`(?i)CaptchaTextBox`)
	submitAnchorID = regexp.MustCompile(`(?i)SaveButton|SubmitButton|SendButton`)
	processMsgID   = regexp.MustCompile(`ProcessMsg`)
)

const (
	msgPageUnavailable = "無法取得選課頁面"
	msgMissingState    = "選課頁面未正確載入，缺少 VIEWSTATE"
	msgCaptchaGaveUp   = "驗證碼辨識失敗"
	msgUnknown         = "未知結果"
)

// Enroller runs the wizard on an already-authenticated session. Like the
// authenticator it borrows the session and the recognizer.
type Enroller struct {
	http       *resty.Client
	recognizer captcha.Recognizer
	baseURL    string
	origin     string
}

type Options struct {
	BaseURL string
	// Origin resolves relative captcha image paths.
	Origin string
}

func NewEnroller(client *resty.Client, recognizer captcha.Recognizer, opts Options) *Enroller {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	return &Enroller{
		http:       client,
		recognizer: recognizer,
		baseURL:    opts.BaseURL,
		origin:     opts.Origin,
	}
}

// Enroll attempts to register one course. It never returns an error: every
// failure, transport included, resolves to (false, message) so the
// orchestrator can log and move on.
func (e *Enroller) Enroll(ctx context.Context, courseID string) (bool, string) {
	ctx, span := tracer.Start(ctx, "enroller:Enroll")
	defer span.End()

	ok, msg, err := e.enroll(ctx, courseID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enrollment aborted")
		slog.ErrorContext(ctx, "enrollment aborted", "course", courseID, "err", err)
		return false, err.Error()
	}
	if !ok {
		span.SetStatus(codes.Error, msg)
	}
	return ok, msg
}

type outcome struct {
	terminal bool
	ok       bool
	msg      string
}

func (e *Enroller) enroll(ctx context.Context, courseID string) (bool, string, error) {
	page, err := e.fetchWizard(ctx)
	if err != nil {
		return false, "", err
	}
	if page == nil {
		return false, msgPageUnavailable, nil
	}
	if !page.Postback().HasViewState() {
		// the session never made it through SSO
		return false, msgMissingState, nil
	}

	lastMsg := msgUnknown
	for flow := 1; flow <= maxFlowAttempts; flow++ {
		result, err := e.runWizard(ctx, page, courseID)
		if err != nil {
			return false, "", err
		}
		if result.terminal {
			return result.ok, result.msg, nil
		}

		// confirmation page came back without a captcha element at all,
		// the wizard lost its footing; restart from the search step
		if result.msg != "" {
			lastMsg = result.msg
		}
		slog.WarnContext(ctx, "confirmation page carried no captcha, restarting flow",
			"course", courseID, "flow_attempt", flow)

		page, err = e.fetchWizard(ctx)
		if err != nil {
			return false, "", err
		}
		if page == nil || !page.Postback().HasViewState() {
			return false, lastMsg, nil
		}
	}

	return false, lastMsg, nil
}

// fetchWizard GETs the wizard page. Landing on the SSO "Redirecting"
// notice means the OAuth handshake is still pending: follow the JS
// redirect to the login endpoint, then fetch the wizard again. A nil page
// with nil error means the redirect URL could not be located.
func (e *Enroller) fetchWizard(ctx context.Context) (*aspnet.Page, error) {
	res, err := e.http.R().
		SetContext(ctx).
		Get(e.baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch wizard page: %w", err)
	}
	page, err := aspnet.Parse(res.Body())
	if err != nil {
		return nil, err
	}

	if !strings.Contains(page.Title(), "Redirect") {
		return page, nil
	}

	endpoint, ok := page.RedirectURL()
	if !ok {
		slog.ErrorContext(ctx, "sso notice page carries no redirect url")
		return nil, nil
	}

	if _, err := e.http.R().SetContext(ctx).Get(endpoint); err != nil {
		return nil, fmt.Errorf("complete oauth redirect: %w", err)
	}

	res, err = e.http.R().
		SetContext(ctx).
		Get(e.baseURL)
	if err != nil {
		return nil, fmt.Errorf("refetch wizard page: %w", err)
	}
	return aspnet.Parse(res.Body())
}

// runWizard walks search -> register -> next step -> captcha submit on the
// given starting page. A non-terminal outcome asks the caller to restart.
func (e *Enroller) runWizard(ctx context.Context, page *aspnet.Page, courseID string) (outcome, error) {
	// search the course
	payload := page.Postback().Form("", "")
	payload[searchField] = courseID
	payload[queryButton] = "查詢"
	page, err := e.postback(ctx, payload)
	if err != nil {
		return outcome{}, err
	}

	checkboxName, ok := page.InputNameByID(checkboxID)
	if !ok {
		// invalid id or not offered this term; retrying will not help
		return outcome{terminal: true, msg: fmt.Sprintf("課程 %s 未在搜尋結果中找到", courseID)}, nil
	}

	// register the checked course
	payload = page.Postback().Form(registerTarget, "")
	payload[checkboxName] = "on"
	page, err = e.postback(ctx, payload)
	if err != nil {
		return outcome{}, err
	}

	// advance to the captcha-bearing confirmation step
	payload = page.Postback().Form(nextStepTarget, "")
	page, err = e.postback(ctx, payload)
	if err != nil {
		return outcome{}, err
	}

	return e.submitCaptcha(ctx, page, courseID)
}

func (e *Enroller) submitCaptcha(ctx context.Context, page *aspnet.Page, courseID string) (outcome, error) {
	lastMsg := msgUnknown
	emptyReads := 0

	for attempt := 1; attempt <= maxCaptchaAttempts; {
		src, found := page.CaptchaImage(captchaImageID)
		if !found {
			// structural anomaly, not a wrong captcha; hand control back
			return outcome{msg: lastMsg}, nil
		}

		code, err := e.solveCaptcha(ctx, src)
		if err != nil {
			return outcome{}, err
		}
		if code == "" {
			// unreadable image, retry for free with a bound
			emptyReads++
			slog.DebugContext(ctx, "captcha unreadable, retrying",
				"course", courseID, "empty_reads", emptyReads)
			if emptyReads >= maxEmptyReads {
				return outcome{terminal: true, msg: msgCaptchaGaveUp}, nil
			}
			continue
		}

		captchaField, ok := page.InputNameByID(captchaInputID)
		if !ok {
			captchaField = fallbackCaptchaField
		}
		submitTarget, ok := page.AnchorPostbackTarget(submitAnchorID)
		if !ok {
			submitTarget = fallbackSubmitTarget
		}

		payload := page.Postback().Form(submitTarget, "")
		payload[captchaField] = code
		next, err := e.postback(ctx, payload)
		if err != nil {
			return outcome{}, err
		}

		msg := next.SpanTextByID(processMsgID)
		if msg != "" {
			lastMsg = msg
		}

		if strings.Contains(msg, "成功") || strings.Contains(msg, "完成選課") {
			slog.InfoContext(ctx, "enrollment succeeded", "course", courseID, "msg", msg)
			return outcome{terminal: true, ok: true, msg: msg}, nil
		}

		if next.HasInputWithID(captchaInputID) {
			// captcha rejected, the response carries a fresh one
			slog.WarnContext(ctx, "captcha rejected",
				"course", courseID, "attempt", attempt)
			page = next
			attempt++
			continue
		}

		// terminal page without a success marker
		ok = strings.Contains(msg, "成功") ||
			strings.Contains(msg, "完成選課") ||
			strings.Contains(msg, "預定加選")
		slog.InfoContext(ctx, "enrollment finished", "course", courseID, "ok", ok, "msg", msg)
		return outcome{terminal: true, ok: ok, msg: lastMsg}, nil
	}

	slog.ErrorContext(ctx, "captcha attempts exhausted", "course", courseID)
	return outcome{terminal: true, msg: lastMsg}, nil
}

// solveCaptcha feeds the captcha image to the recognizer, fetching it
// first unless it is inlined as a data URI.
func (e *Enroller) solveCaptcha(ctx context.Context, src string) (string, error) {
	image := src
	if !aspnet.IsDataURI(src) {
		res, err := e.http.R().
			SetContext(ctx).
			Get(aspnet.ResolveImageURL(e.origin, src))
		if err != nil {
			return "", fmt.Errorf("fetch captcha image: %w", err)
		}
		image = aspnet.EncodeImage(res.Body())
	}
	return e.recognizer.Solve(ctx, image)
}

func (e *Enroller) postback(ctx context.Context, payload map[string]string) (*aspnet.Page, error) {
	res, err := e.http.R().
		SetContext(ctx).
		SetFormData(payload).
		Post(e.baseURL)
	if err != nil {
		return nil, fmt.Errorf("wizard postback: %w", err)
	}
	return aspnet.Parse(res.Body())
}
