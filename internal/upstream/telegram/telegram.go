// Package telegram is an upstream transport that runs one Telegram bot per
// tenant. The tenant's access token is the bot token.
//
// Mapping:
//   - text message     -> chatMessage
//   - "/cmd args" text -> chatCommand
//   - new chat member  -> follow (one event per member)
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"alertbot/internal/upstream"
	"alertbot/internal/value"
	logx "alertbot/pkg/logx"
)

const Name = "telegram"

const (
	EventChatMessage = "chatMessage"
	EventChatCommand = "chatCommand"
	EventFollow      = "follow"
)

type Config struct {
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (self-hosted API server, tests).
	APIURL string
}

type Transport struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Transport {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{cfg: cfg, log: log.With(logx.String("transport", Name))}
}

func (t *Transport) Name() string { return Name }

// Open validates the token (getMe) and wires the update handlers. Polling
// starts in Session.Run.
func (t *Transport) Open(ctx context.Context, tenantID string, creds upstream.Credentials, hooks upstream.Hooks) (upstream.Session, error) {
	token := strings.TrimSpace(creds.AccessToken)
	if token == "" {
		return nil, fmt.Errorf("%w: empty bot token", upstream.ErrAuth)
	}
	s := &session{tenantID: tenantID, hooks: hooks, log: t.log.With(logx.Tenant(tenantID)), fatal: make(chan error, 1)}
	p := &poller{timeout: t.cfg.PollTimeout, s: s}

	type result struct {
		bot *tele.Bot
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{
			Token:  token,
			URL:    t.cfg.APIURL,
			Poller: p,
			// Updates are handled in arrival order; handlers only enqueue.
			Synchronous: true,
			OnError:     s.onError,
		})
		done <- result{b, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		if isUnauthorized(r.err) {
			return nil, fmt.Errorf("%w: %v", upstream.ErrAuth, r.err)
		}
		return nil, r.err
	}
	s.bot = r.bot
	s.bot.Handle(tele.OnText, s.onText)
	s.bot.Handle(tele.OnUserJoined, s.onUserJoined)
	s.log.Info("telegram bot authenticated", logx.String("bot", s.bot.Me.Username))
	return s, nil
}

func isUnauthorized(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	var te *tele.Error
	return errors.As(err, &te) && te.Code == 401
}

type session struct {
	tenantID string
	hooks    upstream.Hooks
	log      logx.Logger
	bot      *tele.Bot

	fatal chan error

	mu      sync.Mutex
	started bool
	stopped bool
}

// Run polls until ctx ends or the token is revoked.
func (s *session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	polling := make(chan struct{})
	go func() {
		defer close(polling)
		s.bot.Start()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-s.fatal:
	case <-polling:
		err = errors.New("telegram poller stopped")
	}
	s.stop()
	return err
}

func (s *session) Close() error {
	s.stop()
	return nil
}

func (s *session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()
	if started {
		// Stop blocks until the long poll returns.
		go s.bot.Stop()
	}
}

func (s *session) onError(err error, _ tele.Context) {
	if isUnauthorized(err) {
		s.abort(fmt.Errorf("%w: %v", upstream.ErrAuth, err))
		return
	}
	s.log.Warn("telegram error", logx.Err(err))
}

func (s *session) abort(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *session) onText(c tele.Context) error {
	m := c.Message()
	if m == nil {
		return nil
	}
	payload := senderFields(m.Sender)
	if m.Chat != nil {
		payload["chatId"] = value.String(strconv.FormatInt(m.Chat.ID, 10))
	}
	text := strings.TrimSpace(m.Text)
	if cmd, args, ok := parseCommand(text); ok {
		payload["command"] = value.String(cmd)
		payload["args"] = value.String(args)
		payload["message"] = value.String(text)
		s.hooks.Emit(EventChatCommand, payload)
		return nil
	}
	payload["message"] = value.String(text)
	s.hooks.Emit(EventChatMessage, payload)
	return nil
}

func (s *session) onUserJoined(c tele.Context) error {
	m := c.Message()
	if m == nil || m.UserJoined == nil {
		return nil
	}
	payload := senderFields(m.UserJoined)
	if m.Chat != nil {
		payload["chatId"] = value.String(strconv.FormatInt(m.Chat.ID, 10))
	}
	s.hooks.Emit(EventFollow, payload)
	return nil
}

func senderFields(u *tele.User) value.Map {
	p := value.Map{}
	if u == nil {
		return p
	}
	display := strings.TrimSpace(u.FirstName + " " + u.LastName)
	user := u.Username
	if user == "" {
		user = display
	}
	p["user"] = value.String(user)
	p["displayName"] = value.String(display)
	p["userId"] = value.String(strconv.FormatInt(u.ID, 10))
	return p
}

// parseCommand splits "/name@bot rest" into ("name", "rest").
func parseCommand(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// poller is a long poller that surfaces a revoked token to the session
// instead of retrying forever.
type poller struct {
	timeout time.Duration
	s       *session
	lastID  int
}

func (p *poller) Poll(b *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		updates, err := p.fetch(b)
		if err != nil {
			if isUnauthorized(err) {
				p.s.abort(fmt.Errorf("%w: %v", upstream.ErrAuth, err))
				return
			}
			p.s.log.Warn("telegram poll failed", logx.Err(err))
			select {
			case <-stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.ID > p.lastID {
				p.lastID = u.ID
			}
			select {
			case dest <- u:
			case <-stop:
				return
			}
		}
	}
}

func (p *poller) fetch(b *tele.Bot) ([]tele.Update, error) {
	params := map[string]any{
		"offset":  p.lastID + 1,
		"timeout": int(p.timeout / time.Second),
	}
	data, err := b.Raw("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return resp.Result, nil
}
