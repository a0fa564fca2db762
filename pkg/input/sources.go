package input

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/embodia/internal/telegram"
	"github.com/harun/embodia/pkg/observation"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// FuncSource adapts a function to Source.
type FuncSource struct {
	ChannelID string
	Fn        func(ctx context.Context, p Pusher) error
}

func (s FuncSource) Channel() string { return s.ChannelID }

func (s FuncSource) Run(ctx context.Context, p Pusher) error { return s.Fn(ctx, p) }

// CronSource emits an Event observation on a cron schedule. Schedules accept
// an optional seconds field and descriptors such as @every 5s.
type CronSource struct {
	channel  string
	event    string
	schedule cron.Schedule
	now      func() time.Time
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewCronSource parses expr and returns a source for channel.
func NewCronSource(channel, expr, event string) (*CronSource, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if event == "" {
		event = "tick"
	}
	return &CronSource{channel: channel, event: event, schedule: sched, now: time.Now}, nil
}

func (s *CronSource) Channel() string { return s.channel }

// Next returns the next fire time after t.
func (s *CronSource) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Run fires until ctx ends.
func (s *CronSource) Run(ctx context.Context, p Pusher) error {
	var fired uint64
	for {
		now := s.now()
		next := s.schedule.Next(now)
		if next.IsZero() {
			return nil
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case at := <-timer.C:
			fired++
			p.Push(s.channel, observation.NewEvent(s.event, map[string]any{
				"scheduled": next.Format(time.RFC3339Nano),
				"count":     fired,
			}), at)
		}
	}
}

// TelegramSource turns incoming chat messages into Text observations.
type TelegramSource struct {
	channel string
	bot     *telegram.Bot
	logger  zerolog.Logger
}

// NewTelegramSource creates a source that reads messages from bot.
func NewTelegramSource(channel string, bot *telegram.Bot, logger zerolog.Logger) *TelegramSource {
	return &TelegramSource{
		channel: channel,
		bot:     bot,
		logger:  logger.With().Str("component", "telegram_source").Str("channel_id", channel).Logger(),
	}
}

func (s *TelegramSource) Channel() string { return s.channel }

// Run polls for updates until ctx ends. A closed update stream is an error so
// the supervisor reconnects.
func (s *TelegramSource) Run(ctx context.Context, p Pusher) error {
	api, err := s.bot.API()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update stream closed")
			}
			s.handle(update, p)
		}
	}
}

func (s *TelegramSource) handle(update tgbotapi.Update, p Pusher) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.Chat == nil {
		return
	}
	if !s.bot.Allowed(msg.Chat.ID) {
		s.logger.Warn().Int64("chat_id", msg.Chat.ID).Msg("Message from chat outside allowlist ignored")
		return
	}

	ts := time.Now()
	if msg.Date > 0 {
		ts = msg.Time()
	}
	p.Push(s.channel, observation.NewText(msg.Text), ts)
}
