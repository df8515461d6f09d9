package exceptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "taskrunner/pkg/logx"
)

// Sender is the part of *tele.Bot used for notifications.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Every is the minimum spacing between messages. Default 2s.
	Every time.Duration
	Burst int
	// Queue bounds pending notifications; overflow is dropped. Default 32.
	Queue int
}

// TelegramHandler forwards reports to a chat. Handle only enqueues; Run
// delivers at the configured rate.
type TelegramHandler struct {
	cfg     TelegramConfig
	sender  Sender
	limiter *rate.Limiter
	queue   chan Report
	log     logx.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewTelegramHandler(cfg TelegramConfig, log logx.Logger) (*TelegramHandler, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return NewTelegramHandlerWithSender(cfg, b, log), nil
}

func NewTelegramHandlerWithSender(cfg TelegramConfig, s Sender, log logx.Logger) *TelegramHandler {
	if cfg.Every <= 0 {
		cfg.Every = 2 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 32
	}
	return &TelegramHandler{
		cfg:     cfg,
		sender:  s,
		limiter: rate.NewLimiter(rate.Every(cfg.Every), cfg.Burst),
		queue:   make(chan Report, cfg.Queue),
		log:     log.OrNop().Named("exceptions.telegram"),
	}
}

func (h *TelegramHandler) Handle(_ context.Context, r Report) {
	select {
	case h.queue <- r:
	default:
		h.dropped.Add(1)
	}
}

// Counts returns delivered and dropped notifications.
func (h *TelegramHandler) Counts() (sent, dropped uint64) {
	return h.sent.Load(), h.dropped.Load()
}

// Run delivers queued reports until ctx is done.
func (h *TelegramHandler) Run(ctx context.Context) error {
	chat := &tele.Chat{ID: h.cfg.ChatID}
	opts := &tele.SendOptions{ThreadID: h.cfg.ThreadID, DisableWebPagePreview: true}
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-h.queue:
			if err := h.limiter.Wait(ctx); err != nil {
				return nil
			}
			if _, err := h.sender.Send(chat, formatReport(r), opts); err != nil {
				h.log.Debug("exceptions.telegram_failed", logx.Err(err))
				continue
			}
			h.sent.Add(1)
		}
	}
}

func formatReport(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "taskrunner exception [%s]\n", r.Stage)
	if r.ScheduleID != "" {
		fmt.Fprintf(&b, "schedule: %s\n", r.ScheduleID)
	}
	b.WriteString(r.Message())
	if r.Stack != "" {
		b.WriteString("\n\n")
		b.WriteString(truncate(r.Stack, maxStackBytes))
	}
	return b.String()
}

const maxStackBytes = 1500

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
