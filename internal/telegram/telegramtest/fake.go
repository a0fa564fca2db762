// Package telegramtest provides an in-memory telegram.API for tests.
package telegramtest

import (
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// FakeAPI records sent messages and serves updates from a channel.
type FakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	sendErr error
	stopped bool

	Updates chan tgbotapi.Update
}

// New creates a fake with a buffered update channel.
func New() *FakeAPI {
	return &FakeAPI{Updates: make(chan tgbotapi.Update, 16)}
}

// FailSends makes every Send return err.
func (f *FakeAPI) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// Sent returns a copy of the sent messages.
func (f *FakeAPI) Sent() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

// Stopped reports whether StopReceivingUpdates was called.
func (f *FakeAPI) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// PushText enqueues an incoming text message.
func (f *FakeAPI) PushText(updateID int, chatID int64, text string) {
	f.Updates <- tgbotapi.Update{
		UpdateID: updateID,
		Message: &tgbotapi.Message{
			MessageID: updateID,
			Date:      0,
			Chat:      &tgbotapi.Chat{ID: chatID},
			From:      &tgbotapi.User{ID: chatID},
			Text:      text,
		},
	}
}

func (f *FakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.Updates
}

func (f *FakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *FakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *FakeAPI) GetSelf() tgbotapi.User {
	return tgbotapi.User{ID: 1, UserName: "embodia_bot"}
}
