package worker

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gotd/td/tgerr"
)

// ErrPermanent marks a handler failure that must never be retried.
var ErrPermanent = errors.New("permanent failure")

// Telegram error types that no amount of retrying will fix.
var permanentTypes = []string{
	"CHAT_ADMIN_REQUIRED",
	"CHAT_WRITE_FORBIDDEN",
	"USER_BANNED_IN_CHANNEL",
	"CHANNEL_PRIVATE",
	"MESSAGE_ID_INVALID",
}

// RetryDelay returns the explicit wait Telegram attached to the error,
// from either an MTProto FLOOD_WAIT or a Bot API retry-after parameter.
func RetryDelay(err error) (time.Duration, bool) {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return d, true
	}
	var botErr *tgbotapi.Error
	if errors.As(err, &botErr) && botErr.ResponseParameters.RetryAfter > 0 {
		return time.Duration(botErr.ResponseParameters.RetryAfter) * time.Second, true
	}
	return 0, false
}

// Retryable classifies a delivery failure. Flood waits, slow mode,
// timeouts, connection resets and server errors are transient; the known
// terminal Telegram errors and everything unrecognized are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if _, ok := RetryDelay(err); ok {
		return true
	}
	if tgerr.Is(err, permanentTypes...) {
		return false
	}
	if tgerr.Is(err, "SLOWMODE_WAIT") {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var botErr *tgbotapi.Error
	if errors.As(err, &botErr) {
		if botErr.Code >= 500 {
			return true
		}
		msg := strings.ToUpper(botErr.Message)
		for _, t := range permanentTypes {
			if strings.Contains(msg, t) {
				return false
			}
		}
		return botErr.Code == 429
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"connection reset", "timeout", "timed out", "temporarily unavailable"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
