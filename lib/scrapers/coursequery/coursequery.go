// Package coursequery scrapes seat counts out of the public course-search
// form. The form is a WebForms page: a GET to collect the token bundle,
// then a POST echoing it plus the query fields, then a result grid.
package coursequery

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/aspnet"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/scrapers/session"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/coursequery")

const DefaultBaseURL = "https://webapp.yuntech.edu.tw/WebNewCAS/Course/QueryCour.aspx"

// The grid id changed across portal versions, newer one first.
var gridIDs = []string{
	"ctl00_MainContent_Course_GridView",
	"ctl00_MainContent_GridView1",
}

var (
	ErrGridMissing    = fmt.Errorf("course grid was not rendered")
	ErrCourseNotFound = fmt.Errorf("course not found in search results")
)

var digitsRegex = regexp.MustCompile(`(\d+)`)

// CourseInfo is one poll's view of a course. Recomputed every cycle.
type CourseInfo struct {
	ID       string
	Name     string
	Enrolled int
	Capacity int
}

// Open reports whether the course still has a free seat.
func (c CourseInfo) Open() bool {
	return c.Enrolled < c.Capacity
}

type Client struct {
	http    *resty.Client
	baseURL string
}

type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient builds a checker with its own persistent session. Checks are
// unauthenticated, the session only exists for connection reuse.
func NewClient(opts ClientOptions) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http: session.New(session.Options{
			TracerName: "scrapers/coursequery/http",
			Timeout:    opts.Timeout,
		}),
		baseURL: baseURL,
	}
}

// GetCourseInfo returns (enrolled, capacity, name) for one course id. It
// mutates nothing outside its own session, calls are idempotent.
func (c *Client) GetCourseInfo(ctx context.Context, courseID string) (CourseInfo, error) {
	ctx, span := tracer.Start(ctx, "client:GetCourseInfo")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		Get(c.baseURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch search form")
		return CourseInfo{}, fmt.Errorf("fetch search form: %w", err)
	}
	page, err := aspnet.Parse(res.Body())
	if err != nil {
		span.RecordError(err)
		return CourseInfo{}, err
	}

	payload := page.Postback().Form("", "")
	payload["__LASTFOCUS"] = ""
	payload["ctl00_MainContent_ToolkitScriptManager1_HiddenField"] =
		page.InputValueByID("ctl00_MainContent_ToolkitScriptManager1_HiddenField")
	payload["ctl00$MainContent$AcadSeme"] = page.SelectedOption("ctl00_MainContent_AcadSeme")
	payload["ctl00$MainContent$College"] = ""
	payload["ctl00$MainContent$DeptCode"] = ""
	payload["ctl00$MainContent$CurrentSubj"] = courseID
	payload["ctl00$MainContent$TextBoxWatermarkExtender3_ClientState"] = ""
	payload["ctl00$MainContent$SubjName"] = ""
	payload["ctl00$MainContent$TextBoxWatermarkExtender1_ClientState"] = ""
	payload["ctl00$MainContent$Instructor"] = ""
	payload["ctl00$MainContent$TextBoxWatermarkExtender2_ClientState"] = ""
	payload["ctl00$MainContent$Submit"] = "執行查詢"

	res, err = c.http.R().
		SetContext(ctx).
		SetFormData(payload).
		Post(c.baseURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to post course query")
		return CourseInfo{}, fmt.Errorf("post course query: %w", err)
	}
	page, err = aspnet.Parse(res.Body())
	if err != nil {
		span.RecordError(err)
		return CourseInfo{}, err
	}

	info, err := findCourseRow(page, courseID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return CourseInfo{}, err
	}
	return info, nil
}

func findCourseRow(page *aspnet.Page, courseID string) (CourseInfo, error) {
	rows, ok := page.Grid(gridIDs...)
	if !ok {
		return CourseInfo{}, fmt.Errorf("course %s: %w", courseID, ErrGridMissing)
	}

	for _, row := range rows {
		if row.Cells() < 11 {
			continue
		}

		rowID := row.LinkText(0)
		if rowID == "" {
			// older grid kept the id as plain text one column over
			rowID = row.Text(1)
		}
		if rowID != courseID {
			continue
		}

		name := row.LinkText(2)
		if name == "" {
			name = "未知課程"
		}

		enrolled := 0
		if v, err := strconv.Atoi(row.SpanText(9)); err == nil {
			enrolled = v
		}

		capacity := 0
		if groups := digitsRegex.FindStringSubmatch(row.SpanText(10)); groups != nil {
			capacity, _ = strconv.Atoi(groups[1])
		}

		return CourseInfo{
			ID:       courseID,
			Name:     name,
			Enrolled: enrolled,
			Capacity: capacity,
		}, nil
	}

	return CourseInfo{}, fmt.Errorf("course %s: %w", courseID, ErrCourseNotFound)
}
