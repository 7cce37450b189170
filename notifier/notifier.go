// Package notifier is the single outbound message gatekeeper. Every
// message flows through Notifier.Send; a kill switch keeps the remote API
// from ever being contacted outside a fully-configured production
// environment.
package notifier

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const productionEnvTag = "production"

// Notifier wraps a Telegram bot behind the kill-switch contract of spec
// §4.9. Construct with NewFromEnv; Send is a no-op whenever the resolved
// state is disabled.
type Notifier struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
}

// NewFromEnv resolves the kill-switch state from the process environment and
// constructs the underlying Telegram client only if every condition holds:
// the environment flag equals the production tag, the resolved channel id
// matches the configured production channel, and credentials are present.
// Any mismatch yields a Notifier that is permanently disabled.
func NewFromEnv() *Notifier {
	n := &Notifier{}

	envTag := os.Getenv("APP_ENV")
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	productionChatIDStr := os.Getenv("TELEGRAM_PRODUCTION_CHAT_ID")

	n.enabled = envTag == productionEnvTag &&
		token != "" &&
		chatIDStr != "" &&
		productionChatIDStr != "" &&
		chatIDStr == productionChatIDStr

	if !n.enabled {
		log.Info().
			Str("env", envTag).
			Str("chat_id_suffix", lastFour(chatIDStr)).
			Msg("notifier disabled: kill switch")
		return n
	}

	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		log.Warn().Err(err).Msg("notifier disabled: invalid chat id")
		n.enabled = false
		return n
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("notifier disabled: telegram client init failed")
		n.enabled = false
		return n
	}

	n.api = api
	n.chatID = chatID
	log.Info().
		Str("env", envTag).
		Str("chat_id_suffix", lastFour(chatIDStr)).
		Msg("notifier enabled")
	return n
}

// Send delivers text to the resolved production channel. It returns false
// without touching the network whenever the kill switch is disabled, and
// never panics or returns an error to the caller's hot path.
func (n *Notifier) Send(text, origin string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.enabled || n.api == nil {
		return false
	}

	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf("[%s] %s", origin, text))
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Str("origin", origin).Msg("TG_FAILED")
		return false
	}
	log.Info().Str("origin", origin).Msg("TG_SENT")
	return true
}

// Enabled reports the resolved kill-switch state.
func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

func lastFour(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}
