// Package session builds the persistent cookie-bearing HTTP clients the
// scrapers run on. One client per account (login cookies must not mix),
// plus unauthenticated ones for availability checks.
package session

import (
	"crypto/tls"
	"net/http/cookiejar"
	"time"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/telemetry"

	"github.com/go-resty/resty/v2"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

type Options struct {
	// TracerName names the resty instrumentation spans.
	TracerName string
	Timeout    time.Duration
}

// New returns a resty client with its own cookie jar. The portal serves a
// certificate chain Go refuses to verify, so TLS verification is off for
// it, same as the browser users click through.
func New(opts Options) *resty.Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second * 10
	}

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err == nil {
		client.SetCookieJar(jar)
	}
	client.SetHeader("User-Agent", userAgent)
	client.SetTimeout(timeout)
	client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})

	if opts.TracerName != "" {
		telemetry.InstrumentResty(client, opts.TracerName)
	}

	return client
}
