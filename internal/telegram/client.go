// Package telegram assembles the two client identities: the MTProto user
// session that ingests updates and the Bot API client, and implements
// message delivery over both.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// ClientConfig carries the credentials for the user session.
type ClientConfig struct {
	APIID      int
	APIHash    string
	Phone      string
	SessionDir string
}

// UserClient is the MTProto user session. It feeds updates into the
// dispatcher passed at construction and doubles as a delivery agent.
type UserClient struct {
	client *telegram.Client
	phone  string
	log    *slog.Logger

	// AuthCode receives the login code when an interactive sign-in is
	// required (first run, expired session).
	AuthCode chan string

	ready  chan struct{}
	api    *tg.Client
	sender *message.Sender
}

// NewUserClient builds the gotd client with file-backed session storage.
// gotd wants a zap logger; everything else in the process logs via slog.
func NewUserClient(cfg ClientConfig, handler telegram.UpdateHandler, zlog *zap.Logger, log *slog.Logger) (*UserClient, error) {
	if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	storage := &session.FileStorage{
		Path: filepath.Join(cfg.SessionDir, "user.json"),
	}
	c := &UserClient{
		phone:    cfg.Phone,
		log:      log,
		AuthCode: make(chan string),
		ready:    make(chan struct{}),
	}
	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		Logger:         zlog,
		SessionStorage: storage,
		UpdateHandler:  handler,
	})
	return c, nil
}

// Run connects, authenticates and serves updates until ctx is cancelled.
func (c *UserClient) Run(ctx context.Context) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		if err := c.auth(ctx); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		c.api = c.client.API()
		c.sender = message.NewSender(c.api)
		close(c.ready)
		c.log.Info("user session online", "phone", redactPhone(c.phone))
		<-ctx.Done()
		return ctx.Err()
	})
}

func (c *UserClient) auth(ctx context.Context) error {
	flow := auth.NewFlow(
		auth.Constant(c.phone, "", auth.CodeAuthenticatorFunc(
			func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
				c.log.Info("waiting for login code")
				select {
				case code := <-c.AuthCode:
					return strings.TrimSpace(code), nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			})),
		auth.SendCodeOptions{},
	)
	return flow.Run(ctx, c.client.Auth())
}

// Ready is closed once the session is authenticated and the API client
// is usable.
func (c *UserClient) Ready() <-chan struct{} { return c.ready }

// API returns the raw MTProto client. Valid only after Ready.
func (c *UserClient) API() *tg.Client { return c.api }

// Sender returns the message sender helper. Valid only after Ready.
func (c *UserClient) Sender() *message.Sender { return c.sender }

// RemapTransport rewrites the generic "transport closed" failure the
// MTProto layer reports on a dead TCP connection into a connection-reset
// error, so retry classification treats it as transient and the client's
// reconnect logic engages.
func RemapTransport(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "transport closed") && !errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", syscall.ECONNRESET, err)
	}
	return err
}

func redactPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
