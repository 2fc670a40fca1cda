package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"alertbot/internal/upstream"
	"alertbot/internal/value"
	logx "alertbot/pkg/logx"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in        string
		cmd, args string
		ok        bool
	}{
		{"/so @friend", "so", "@friend", true},
		{"/Uptime@alertbot", "uptime", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"/@bot x", "", "", false},
	}
	for _, tc := range cases {
		cmd, args, ok := parseCommand(tc.in)
		if cmd != tc.cmd || args != tc.args || ok != tc.ok {
			t.Fatalf("parseCommand(%q) = %q %q %v", tc.in, cmd, args, ok)
		}
	}
}

// fakeBotAPI serves the Bot API endpoints telebot needs: getMe and a single
// getUpdates batch.
func fakeBotAPI(t *testing.T, token string, updates string) *httptest.Server {
	t.Helper()
	var served atomic.Bool
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasPrefix(r.URL.Path, "/bot"+token+"/") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Alerts","username":"alertbot"}}`))
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			if served.CompareAndSwap(false, true) {
				_, _ = w.Write([]byte(`{"ok":true,"result":` + updates + `}`))
				return
			}
			time.Sleep(20 * time.Millisecond)
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		}
	}))
}

func TestOpenRejectsBadToken(t *testing.T) {
	srv := fakeBotAPI(t, "good", "[]")
	defer srv.Close()

	tr := New(Config{APIURL: srv.URL, PollTimeout: time.Second}, logx.Nop())
	_, err := tr.Open(context.Background(), "t1", upstream.Credentials{AccessToken: "bad"}, upstream.Hooks{})
	if !errors.Is(err, upstream.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if _, err := tr.Open(context.Background(), "t1", upstream.Credentials{}, upstream.Hooks{}); !errors.Is(err, upstream.ErrAuth) {
		t.Fatalf("empty token err = %v", err)
	}
}

type emitted struct {
	typ     string
	payload value.Map
}

func TestSessionDecodesUpdates(t *testing.T) {
	updates := `[
		{"update_id":1,"message":{"message_id":1,"date":0,"chat":{"id":9,"type":"group"},"from":{"id":5,"first_name":"Ann","username":"ann"},"text":"hello there"}},
		{"update_id":2,"message":{"message_id":2,"date":0,"chat":{"id":9,"type":"group"},"from":{"id":5,"first_name":"Ann","username":"ann"},"text":"/so @bob"}},
		{"update_id":3,"message":{"message_id":3,"date":0,"chat":{"id":9,"type":"group"},"from":{"id":6,"first_name":"Cy"},"new_chat_members":[{"id":6,"first_name":"Cy"}]}}
	]`
	srv := fakeBotAPI(t, "good", updates)
	defer srv.Close()

	got := make(chan emitted, 8)
	hooks := upstream.Hooks{Emit: func(typ string, p value.Map) bool {
		got <- emitted{typ, p}
		return true
	}}
	tr := New(Config{APIURL: srv.URL, PollTimeout: time.Second}, logx.Nop())
	sess, err := tr.Open(context.Background(), "t1", upstream.Credentials{AccessToken: "good"}, hooks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	byType := map[string]value.Map{}
	for len(byType) < 3 {
		select {
		case e := <-got:
			byType[e.typ] = e.payload
		case <-time.After(3 * time.Second):
			t.Fatalf("decoded so far: %v", byType)
		}
	}
	if byType[EventChatMessage]["message"].Text() != "hello there" || byType[EventChatMessage]["user"].Text() != "ann" {
		t.Fatalf("chatMessage = %v", byType[EventChatMessage])
	}
	if byType[EventChatCommand]["command"].Text() != "so" || byType[EventChatCommand]["args"].Text() != "@bob" {
		t.Fatalf("chatCommand = %v", byType[EventChatCommand])
	}
	if byType[EventFollow]["displayName"].Text() != "Cy" || byType[EventFollow]["user"].Text() != "Cy" {
		t.Fatalf("follow = %v", byType[EventFollow])
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not stop")
	}
	_ = sess.Close()
}

func TestRevokedTokenEndsRunWithAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Alerts","username":"alertbot"}}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	tr := New(Config{APIURL: srv.URL, PollTimeout: time.Second}, logx.Nop())
	sess, err := tr.Open(context.Background(), "t1", upstream.Credentials{AccessToken: "good"}, upstream.Hooks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, upstream.ErrAuth) {
			t.Fatalf("Run err = %v, want ErrAuth", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not notice the revoked token")
	}
}
