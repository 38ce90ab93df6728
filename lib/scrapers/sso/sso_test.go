package sso

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/scrapers/session"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/telemetry"

	"github.com/stretchr/testify/require"
)

// fakeRecognizer replays a scripted sequence of solve results.
type fakeRecognizer struct {
	codes []string
	calls int32
}

func (f *fakeRecognizer) Solve(_ context.Context, _ string) (string, error) {
	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	if i >= len(f.codes) {
		return f.codes[len(f.codes)-1], nil
	}
	return f.codes[i], nil
}

type ssoServer struct {
	*httptest.Server
	loggedIn   atomic.Bool
	loginPosts atomic.Int32
	// captcha code the server actually accepts
	expected string
}

func newSSOServer(t *testing.T, expected string) *ssoServer {
	t.Helper()
	s := &ssoServer{expected: expected}

	mux := http.NewServeMux()
	mux.HandleFunc("/Account/IsLogined", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "%v", s.loggedIn.Load())
	})
	mux.HandleFunc("/Captcha/Number", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `"aGVsbG8="`)
	})
	mux.HandleFunc("/Account/Login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<html><body><form>
<input name="__RequestVerificationToken" value="csrf-token" />
</form></body></html>`)
			return
		}
		s.loginPosts.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "csrf-token", r.PostFormValue("__RequestVerificationToken"))
		require.Equal(t, "true", r.PostFormValue("pRememberMe"))
		if r.PostFormValue("pLoginName") == "u1103333" &&
			r.PostFormValue("pLoginPassword") == "hunter2" &&
			r.PostFormValue("pSecretString") == s.expected {
			s.loggedIn.Store(true)
		}
	})

	s.Server = httptest.NewServer(mux)
	return s
}

func newAuthenticator(server *ssoServer, rec *fakeRecognizer) *Authenticator {
	client := session.New(session.Options{Timeout: time.Second * 2})
	return NewAuthenticator(client, rec, Options{
		LoginURL:   server.URL + "/Account/Login",
		CaptchaURL: server.URL + "/Captcha/Number",
		StatusURL:  server.URL + "/Account/IsLogined",
	})
}

func TestLoginSuccess(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/sso")
	defer cleanup()

	server := newSSOServer(t, "6283")
	defer server.Close()

	auth := newAuthenticator(server, &fakeRecognizer{codes: []string{"6283"}})
	require.True(t, auth.Login(context.Background(), "u1103333", "hunter2", 3))
	require.True(t, auth.IsLoggedIn(context.Background()))
	require.Equal(t, int32(1), server.loginPosts.Load())
}

func TestLoginShortCircuitsWhenAlreadyLoggedIn(t *testing.T) {
	server := newSSOServer(t, "6283")
	defer server.Close()
	server.loggedIn.Store(true)

	auth := newAuthenticator(server, &fakeRecognizer{codes: []string{"6283"}})
	require.True(t, auth.Login(context.Background(), "u1103333", "hunter2", 3))
	// no credential POST happened
	require.Equal(t, int32(0), server.loginPosts.Load())
}

func TestLoginRetriesUnclearCaptcha(t *testing.T) {
	server := newSSOServer(t, "6283")
	defer server.Close()

	// first two reads come back short, the sub-retry loop keeps fetching
	rec := &fakeRecognizer{codes: []string{"62", "", "6283"}}
	auth := newAuthenticator(server, rec)
	require.True(t, auth.Login(context.Background(), "u1103333", "hunter2", 3))
	require.Equal(t, int32(1), server.loginPosts.Load())
}

func TestLoginWrongCaptchaBurnsAttempts(t *testing.T) {
	server := newSSOServer(t, "6283")
	defer server.Close()

	auth := newAuthenticator(server, &fakeRecognizer{codes: []string{"9999"}})
	require.False(t, auth.Login(context.Background(), "u1103333", "hunter2", 2))
	require.Equal(t, int32(2), server.loginPosts.Load())
}

func TestLoginServerUnreachable(t *testing.T) {
	server := newSSOServer(t, "6283")
	server.Close()

	auth := newAuthenticator(server, &fakeRecognizer{codes: []string{"6283"}})
	// transport failures are consumed, Login just reports false
	require.False(t, auth.Login(context.Background(), "u1103333", "hunter2", 2))
}
