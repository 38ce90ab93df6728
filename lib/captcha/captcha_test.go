package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodeFromFragments(t *testing.T) {
	cases := []struct {
		name      string
		fragments []string
		want      string
	}{
		{"single clean fragment", []string{"6283"}, "6283"},
		{"split fragments", []string{"628", "34R"}, "6283"},
		{"noise between characters", []string{"6-2 8", "3!4"}, "6283"},
		{"longer than four", []string{"62834R"}, "6283"},
		{"too few characters", []string{"62", "8"}, ""},
		{"only punctuation", []string{"--", "!!"}, ""},
		{"empty input", nil, ""},
		{"letters kept in order", []string{"A", "b", "1", "2"}, "Ab12"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, CodeFromFragments(tc.fragments))
		})
	}
}

func TestClientSolve(t *testing.T) {
	var gotImage string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req solveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotImage = req.Image
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(solveResponse{Fragments: []string{"62", "83"}})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{Endpoint: server.URL, Timeout: time.Second * 2})

	code, err := client.Solve(context.Background(), "data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	require.Equal(t, "6283", code)
	// the data URI prefix must be stripped before hitting the wire
	require.Equal(t, "aGVsbG8=", gotImage)
}

func TestClientSolveUnreachable(t *testing.T) {
	client := NewClient(ClientOptions{Endpoint: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := client.Solve(context.Background(), "aGVsbG8=")
	require.Error(t, err)
}
