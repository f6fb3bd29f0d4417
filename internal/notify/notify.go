// Package notify delivers bot messages (reports, reminders, mirrored logs).
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "katabot/pkg/logx"
)

// Sender delivers a plain-text message. It also satisfies logx.Sink.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Log is the fallback Sender used when no chat is configured.
type Log struct {
	Logger logx.Logger
}

func (l Log) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := l.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("notification", logx.String("text", text))
	return nil
}

// TextLimit stays under Telegram's 4096 character message limit.
const TextLimit = 4000

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// RatePerSec caps sendMessage calls; <=0 means 1.
	RatePerSec int
	// Timeout bounds each API request; <=0 means 10s.
	Timeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local Bot API servers).
	APIURL string
}

// Telegram sends to one chat (and optional forum thread) via the Bot API.
// It never polls for updates.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{
		bot:      b,
		chat:     &tele.Chat{ID: cfg.ChatID},
		threadID: cfg.ThreadID,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		log:      log,
	}, nil
}

// Send splits text into Telegram-sized chunks and sends them in order.
func (t *Telegram) Send(ctx context.Context, text string) error {
	chunks := SplitText(text, TextLimit)
	for i, chunk := range chunks {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := t.bot.Send(t.chat, chunk, &tele.SendOptions{
			ThreadID:              t.threadID,
			DisableWebPagePreview: true,
		})
		if err != nil {
			t.log.Debug("telegram send failed", logx.Int("chunk", i), logx.Int("chunks", len(chunks)), logx.Err(err))
			return fmt.Errorf("telegram send (chunk %d/%d): %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// SplitText splits s into chunks of at most limit runes, preferring newline
// boundaries. Leading newlines of a chunk are dropped.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			end = len(rs)
		} else {
			// Cut after the last newline in the window unless that leaves a tiny chunk.
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
