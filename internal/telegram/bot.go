package telegram

import (
	"fmt"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/embodia/internal/config"
	"github.com/rs/zerolog"
)

// API is the subset of the Telegram bot API the runtime uses. It is an
// interface so sources and actuators can be tested without the network.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type apiWrapper struct {
	api *tgbotapi.BotAPI
}

func (w *apiWrapper) GetUpdatesChan(c tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.api.GetUpdatesChan(c)
}

func (w *apiWrapper) StopReceivingUpdates()                               { w.api.StopReceivingUpdates() }
func (w *apiWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) { return w.api.Send(c) }
func (w *apiWrapper) GetSelf() tgbotapi.User                              { return w.api.Self }

// Factory creates API instances.
type Factory func(token string, client *http.Client) (API, error)

// DefaultFactory talks to api.telegram.org.
var DefaultFactory Factory = func(token string, client *http.Client) (API, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &apiWrapper{api: api}, nil
}

// Bot is a lazily connected, shared Telegram client. The text source and the
// telegram actuator driver share one instance so the bot authenticates once.
type Bot struct {
	cfg     config.TelegramConfig
	factory Factory
	logger  zerolog.Logger

	mu  sync.Mutex
	api API
}

// New creates a bot. The connection is made on first use.
func New(cfg config.TelegramConfig, factory Factory, logger zerolog.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if factory == nil {
		factory = DefaultFactory
	}
	return &Bot{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With().Str("component", "telegram").Logger(),
	}, nil
}

// API returns the connected client, connecting on first call.
func (b *Bot) API() (API, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.api != nil {
		return b.api, nil
	}

	api, err := b.factory(b.cfg.BotToken, http.DefaultClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	self := api.GetSelf()
	b.logger.Info().
		Str("username", self.UserName).
		Int64("id", self.ID).
		Msg("Telegram bot authenticated")

	b.api = api
	return api, nil
}

// Allowed reports whether messages from chatID are accepted. An empty
// allowlist accepts every chat.
func (b *Bot) Allowed(chatID int64) bool {
	if len(b.cfg.Allowlist) == 0 {
		return true
	}
	for _, id := range b.cfg.Allowlist {
		if id == chatID {
			return true
		}
	}
	return false
}

// SendText sends a plain text message.
func (b *Bot) SendText(chatID int64, text string) error {
	api, err := b.API()
	if err != nil {
		return err
	}
	if _, err := api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
