package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	logx "katabot/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := SplitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %q", got)
	}

	lines := strings.Repeat("abcdefghi\n", 10) // 100 runes
	chunks := SplitText(lines, 35)
	for i, c := range chunks {
		if len([]rune(c)) > 35 {
			t.Fatalf("chunk %d too long: %d", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has stray newline: %q", i, c)
		}
	}
	if joined := strings.Join(chunks, "\n"); joined != strings.TrimRight(lines, "\n") {
		t.Fatalf("chunks lost content:\n%q", joined)
	}

	// No newlines: hard cut at the limit.
	hard := SplitText(strings.Repeat("x", 25), 10)
	if len(hard) != 3 || hard[2] != "xxxxx" {
		t.Fatalf("hard split = %q", hard)
	}
}

func TestLogSender(t *testing.T) {
	t.Parallel()
	if err := (Log{}).Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Log{Logger: logx.Nop()}).Send(ctx, "hi"); err == nil {
		t.Fatal("expected context error")
	}
}

// fakeBotAPI records sendMessage calls.
type fakeBotAPI struct {
	mu    sync.Mutex
	texts []string
	chats []string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.Error(w, `{"ok":false,"error_code":404,"description":"Not Found"}`, http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)
	params := map[string]any{}
	if err := json.Unmarshal(body, &params); err != nil {
		// Some clients post form data.
		vals, _ := url.ParseQuery(string(body))
		for k := range vals {
			params[k] = vals.Get(k)
		}
	}
	f.mu.Lock()
	f.texts = append(f.texts, toString(params["text"]))
	f.chats = append(f.chats, toString(params["chat_id"]))
	n := len(f.texts)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok": true,
		"result": map[string]any{
			"message_id": n,
			"date":       0,
			"chat":       map[string]any{"id": -100, "type": "supergroup"},
			"text":       params["text"],
		},
	})
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func TestTelegramSendSplitsAndTargetsChat(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{
		Token:      "123:test",
		ChatID:     -100,
		RatePerSec: 100,
		APIURL:     srv.URL,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}

	text := strings.Repeat("line of text\n", 500) // > TextLimit
	if err := tg.Send(context.Background(), text); err != nil {
		t.Fatalf("Send: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(api.texts))
	}
	for i, c := range api.chats {
		if c != "-100" {
			t.Fatalf("chunk %d sent to chat %q", i, c)
		}
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(TelegramConfig{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "1:a"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing chat id")
	}
}
