// Package captcha is the text-recognizer boundary. The bot does not run an
// OCR engine in-process; it talks to a long-lived recognizer service and
// applies the 4-character code policy on the recognized fragments.
package captcha

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
)

// CodeLength is the fixed length of every captcha on the portal.
const CodeLength = 4

// Recognizer solves a base64 (or base64 data-URI) captcha image into a
// best-effort code. An empty string is the failure signal, callers retry.
// Implementations must be safe for concurrent use: a single instance is
// shared by reference across every account.
type Recognizer interface {
	Solve(ctx context.Context, image string) (string, error)
}

// CodeFromFragments concatenates the alphanumeric characters of all
// recognized text fragments, in detection order, and returns the first
// four. The OCR engine tends to split one small code image into several
// fragments ("628 34R" -> "62834R" -> "6283"), so per-fragment length is
// meaningless. Fewer than four alphanumerics total yields "".
func CodeFromFragments(fragments []string) string {
	var code strings.Builder
	for _, fragment := range fragments {
		for _, r := range fragment {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				continue
			}
			code.WriteRune(r)
			if code.Len() == CodeLength {
				return code.String()
			}
		}
	}
	return ""
}

// Client talks to an OCR sidecar over HTTP. The sidecar loads the model
// once and stays up for the lifetime of the bot.
type Client struct {
	http     *resty.Client
	endpoint string
}

type ClientOptions struct {
	// Endpoint accepts POST {"image": "<base64>"} and answers
	// {"fragments": ["...", ...]} in detection order.
	Endpoint string
	Timeout  time.Duration
}

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second * 10
	}

	client := resty.New()
	client.SetTimeout(timeout)

	return &Client{
		http:     client,
		endpoint: opts.Endpoint,
	}
}

type solveRequest struct {
	Image string `json:"image"`
}

type solveResponse struct {
	Fragments []string `json:"fragments"`
}

func (c *Client) Solve(ctx context.Context, image string) (string, error) {
	// tolerate data URIs, the wire format is bare base64
	if i := strings.IndexByte(image, ','); i >= 0 {
		image = image[i+1:]
	}

	var res solveResponse
	_, err := c.http.R().
		SetContext(ctx).
		SetBody(solveRequest{Image: image}).
		SetResult(&res).
		Post(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("recognizer request: %w", err)
	}

	return CodeFromFragments(res.Fragments), nil
}
