package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/tgmux/internal/types"
)

const (
	DefaultAPIEndpoint  = tgbotapi.APIEndpoint
	DefaultFileEndpoint = tgbotapi.FileEndpoint
	DefaultChunkSize    = 512 * 1024

	pollTimeout = 30
	retryDelay  = 5 * time.Second
)

// allowedUpdates asks for every update type, including those the Bot API
// leaves out by default.
const allowedUpdates = `["message","edited_message","channel_post","edited_channel_post",` +
	`"business_connection","business_message","edited_business_message","deleted_business_messages",` +
	`"message_reaction","message_reaction_count","inline_query","chosen_inline_result",` +
	`"callback_query","shipping_query","pre_checkout_query","purchased_paid_media","poll","poll_answer",` +
	`"my_chat_member","chat_member","chat_join_request","chat_boost","removed_chat_boost"]`

// Config configures the Bot API dialer.
type Config struct {
	// APIEndpoint and FileEndpoint are format strings taking the token and
	// the method or file path, as in tgbotapi.
	APIEndpoint  string
	FileEndpoint string
	ChunkSize    int
	RetryDelay   time.Duration
	HTTPClient   *http.Client
}

func (c Config) withDefaults() Config {
	if c.APIEndpoint == "" {
		c.APIEndpoint = DefaultAPIEndpoint
	}
	if c.FileEndpoint == "" {
		c.FileEndpoint = DefaultFileEndpoint
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = retryDelay
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

var setLoggerOnce sync.Once

// Dialer builds bot-role protocols. The session credential is the bot token.
type Dialer struct {
	cfg Config
}

// NewDialer creates a bot dialer and routes the library's logger to slog.
func NewDialer(cfg Config) *Dialer {
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(slogLogger{slog.Default().With("component", "tgbotapi")})
	})
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial returns an unconnected Bot for id.
func (d *Dialer) Dial(id types.SessionID, hooks types.Hooks) (types.Protocol, error) {
	token := id.Credential()
	if !strings.Contains(token, ":") {
		return nil, types.NewInputError("Invalid bot token")
	}
	return &Bot{
		token:  token,
		cfg:    d.cfg,
		hooks:  hooks,
		logger: slog.Default().With("component", "telegram", "session", id.Redacted()),
	}, nil
}

// Bot is one bot account on the Bot API.
type Bot struct {
	token  string
	cfg    Config
	hooks  types.Hooks
	logger *slog.Logger

	mu     sync.Mutex
	api    *tgbotapi.BotAPI
	cancel context.CancelFunc
	done   chan struct{}
}

// ctxClient attaches the connection lifetime to every library request so
// Disconnect aborts an in-flight long poll.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c *ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// Connect authenticates with getMe and starts the receive loop.
func (b *Bot) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.api != nil {
		return nil
	}

	life, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	api, err := tgbotapi.NewBotAPIWithClient(b.token, b.cfg.APIEndpoint, &ctxClient{ctx: life, client: b.cfg.HTTPClient})
	if !stop() || err != nil {
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return mapError(err)
	}

	b.api = api
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.receive(life, api, b.done)
	b.logger.Info("bot connected", "username", api.Self.UserName)
	return nil
}

// Disconnect stops the receive loop.
func (b *Bot) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.api, b.cancel, b.done = nil, nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.api != nil
}

func (b *Bot) current() (*tgbotapi.BotAPI, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.api == nil {
		return nil, types.ErrNotConnected
	}
	return b.api, nil
}

// receive long-polls getUpdates and hands every update to OnEvent. Failed
// polls are retried after a fixed delay; a 401 ends the loop through
// OnFatal.
func (b *Bot) receive(ctx context.Context, api *tgbotapi.BotAPI, done chan struct{}) {
	defer close(done)
	offset := 0
	for ctx.Err() == nil {
		params := tgbotapi.Params{"allowed_updates": allowedUpdates}
		params.AddNonZero("offset", offset)
		params.AddNonZero("timeout", pollTimeout)

		var updates []json.RawMessage
		resp, err := api.MakeRequest("getUpdates", params)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = json.Unmarshal(resp.Result, &updates)
		} else {
			err = mapError(err)
		}
		if err != nil {
			if errors.Is(err, types.ErrUnauthorized) {
				b.hooks.OnFatal(err)
				return
			}
			b.logger.Warn("failed to get updates, retrying", "error", err, "delay", b.cfg.RetryDelay)
			select {
			case <-time.After(b.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, raw := range updates {
			var head struct {
				UpdateID int `json:"update_id"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				continue
			}
			if head.UpdateID >= offset {
				offset = head.UpdateID + 1
			}
			b.hooks.OnEvent(types.NewEvent(raw))
		}
	}
}

// Call sends method with at most one argument, an object of named
// parameters.
func (b *Bot) Call(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	var params tgbotapi.Params
	switch len(args) {
	case 0:
		params = tgbotapi.Params{}
	case 1:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(args[0], &fields); err != nil || fields == nil {
			return nil, types.NewInputError("Expected an object of named parameters.")
		}
		params = toParams(fields)
	default:
		return nil, types.NewInputError("Expected at most one argument: an object of named parameters.")
	}
	return b.request(ctx, method, params)
}

// Invoke sends {"_": method, ...params}.
func (b *Bot) Invoke(ctx context.Context, fn json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(fn, &fields); err != nil {
		return nil, types.NewInputError("Expected a function")
	}
	var method string
	if err := json.Unmarshal(fields["_"], &method); err != nil || method == "" {
		return nil, types.NewInputError("Expected a function")
	}
	delete(fields, "_")
	return b.request(ctx, method, toParams(fields))
}

func (b *Bot) request(ctx context.Context, method string, params tgbotapi.Params) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	api, err := b.current()
	if err != nil {
		return nil, err
	}
	resp, err := api.MakeRequest(method, params)
	if err != nil {
		return nil, mapError(err)
	}
	return resp.Result, nil
}

// toParams flattens named JSON values into form parameters. Strings are
// sent bare; everything else as its JSON text.
func toParams(fields map[string]json.RawMessage) tgbotapi.Params {
	params := make(tgbotapi.Params, len(fields))
	for key, raw := range fields {
		if string(raw) == "null" {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			params[key] = s
			continue
		}
		params[key] = string(raw)
	}
	return params
}

// DownloadChunks resolves fileID with getFile and streams the file from
// offset in chunks of the configured size.
func (b *Bot) DownloadChunks(ctx context.Context, fileID string, offset int64) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		api, err := b.current()
		if err != nil {
			yield(nil, err)
			return
		}
		resp, err := api.MakeRequest("getFile", tgbotapi.Params{"file_id": fileID})
		if err != nil {
			yield(nil, mapError(err))
			return
		}
		var file tgbotapi.File
		if err := json.Unmarshal(resp.Result, &file); err != nil {
			yield(nil, fmt.Errorf("decode file: %w", err))
			return
		}
		if file.FilePath == "" {
			yield(nil, &types.ProtocolError{Code: 400, Message: "Bad Request: file is not available"})
			return
		}

		body, err := b.openFile(ctx, fmt.Sprintf(b.cfg.FileEndpoint, b.token, file.FilePath), offset)
		if err != nil || body == nil {
			if err != nil {
				yield(nil, err)
			}
			return
		}
		defer body.Close()

		buf := make([]byte, b.cfg.ChunkSize)
		for {
			n, err := io.ReadFull(body, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read file: %w", err))
				return
			}
		}
	}
}

// openFile issues a ranged GET from offset. A nil body means there is
// nothing left to read.
func (b *Bot) openFile(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		// The server ignored the range.
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				if errors.Is(err, io.EOF) {
					return nil, nil
				}
				return nil, fmt.Errorf("skip to offset: %w", err)
			}
		}
		return resp.Body, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, nil
	default:
		resp.Body.Close()
		return nil, &types.ProtocolError{
			Code:    resp.StatusCode,
			Message: "file download failed: " + resp.Status,
			Fatal:   resp.StatusCode == http.StatusUnauthorized,
		}
	}
}

// mapError turns Bot API rejections into protocol errors.
func mapError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &types.ProtocolError{Code: apiErr.Code, Message: apiErr.Message, Fatal: apiErr.Code == http.StatusUnauthorized}
	}
	return fmt.Errorf("telegram request: %w", err)
}

// slogLogger adapts slog to tgbotapi.BotLogger.
type slogLogger struct {
	logger *slog.Logger
}

func (l slogLogger) Println(v ...any) {
	l.logger.Debug(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l slogLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}
