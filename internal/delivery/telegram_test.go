package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramSenderSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", "chat", srv.URL, time.Second, zerolog.Nop())
	ch := NewStoreAndForwardChannel(sender, zerolog.Nop())

	a := ch.Deliver(context.Background(), sampleRecord("tg-1"))
	if !a.Succeeded() {
		t.Fatalf("Telegram 投递应成功: %+v", a)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	p, err := ParseMessage(received["text"])
	if err != nil || p.ID != "tg-1" {
		t.Fatalf("text 应包含告警内容: %v %q", err, received["text"])
	}
}

func TestTelegramSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := sender.Send(context.Background(), "hi"); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestCompactChannelPostsToGateway(t *testing.T) {
	var got smsRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewCompactChannel(NewCompactSender(srv.URL, "secret", []string{"+5511999990000"}, time.Second))
	a := ch.Deliver(context.Background(), sampleRecord("sms-1"))
	if !a.Succeeded() {
		t.Fatalf("gateway delivery should succeed: %+v", a)
	}
	if auth != "Bearer secret" || len(got.To) != 1 {
		t.Fatalf("unexpected gateway request: %q %+v", auth, got)
	}
	if p, err := ParseCompact(got.Text); err != nil || p.ID != "sms-1" {
		t.Fatalf("compact text should parse back: %v", err)
	}
}

func TestCompactChannelTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ch := NewCompactChannel(NewCompactSender(srv.URL, "", nil, 5*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	a := ch.Deliver(ctx, sampleRecord("sms-2"))
	if a.Outcome != "timeout" {
		t.Fatalf("expected timeout outcome, got %s (%s)", a.Outcome, a.Error)
	}
}
