package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/store"
)

// Store is the persistence surface for notifications. *store.DB satisfies it.
type Store interface {
	InsertNotification(ctx context.Context, n *store.Notification) error
	UpdateNotification(ctx context.Context, n *store.Notification) error
	DeleteNotificationsBySource(ctx context.Context, source, sourceID string) (int64, error)
}

// Dispatch selects the outbound channels for one notification.
type Dispatch struct {
	Email    bool
	Discord  bool
	Telegram bool
}

// Notifier persists notifications and fans them out. Outbound dispatch is
// asynchronous and bounded by the per-channel timeout; failures are logged
// and never surface to the caller.
type Notifier struct {
	db      Store
	log     zerolog.Logger
	timeout time.Duration

	email    Sender
	discord  Sender
	telegram Sender

	wg sync.WaitGroup
}

// Options wires the notifier. Nil senders disable their channel.
type Options struct {
	DB       Store
	Timeout  time.Duration
	Email    Sender
	Discord  Sender
	Telegram Sender
	Log      zerolog.Logger
}

func New(opts Options) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Notifier{
		db:       opts.DB,
		log:      opts.Log.With().Str("component", "notify").Logger(),
		timeout:  opts.Timeout,
		email:    opts.Email,
		discord:  opts.Discord,
		telegram: opts.Telegram,
	}
}

// Notify persists the notification and dispatches it to the selected
// channels in the background. An unrecognized type degrades to info.
func (n *Notifier) Notify(ctx context.Context, note *store.Notification, d Dispatch) error {
	switch note.Type {
	case store.NotifyInfo, store.NotifySuccess, store.NotifyWarning, store.NotifyError:
	default:
		n.log.Warn().Str("type", note.Type).Msg("unknown notification type, storing as info")
		note.Type = store.NotifyInfo
	}
	if err := n.db.InsertNotification(ctx, note); err != nil {
		return err
	}

	msg := Message{Title: note.Title, Body: note.Message, Level: note.Type}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Broadcast(context.Background(), msg, d)
	}()
	return nil
}

// Broadcast sends to each selected channel, isolating failures. Each channel
// gets its own timeout. Returns the number of channels that succeeded.
func (n *Notifier) Broadcast(ctx context.Context, msg Message, d Dispatch) int {
	ok := 0
	for _, ch := range n.selected(d) {
		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := ch.Send(sendCtx, msg)
		cancel()
		if err != nil {
			n.log.Warn().Err(err).Str("channel", ch.Name()).Msg("notification dispatch failed")
			continue
		}
		ok++
	}
	return ok
}

func (n *Notifier) selected(d Dispatch) []Sender {
	var out []Sender
	if d.Email && n.email != nil {
		out = append(out, n.email)
	}
	if d.Discord && n.discord != nil {
		out = append(out, n.discord)
	}
	if d.Telegram && n.telegram != nil {
		out = append(out, n.telegram)
	}
	return out
}

// Update rewrites an existing notification row, used for in-progress status
// notifications that evolve.
func (n *Notifier) Update(ctx context.Context, note *store.Notification) error {
	return n.db.UpdateNotification(ctx, note)
}

// ClearSource removes all notifications tied to a source entity.
func (n *Notifier) ClearSource(ctx context.Context, source, sourceID string) (int64, error) {
	return n.db.DeleteNotificationsBySource(ctx, source, sourceID)
}

// Close waits for in-flight dispatches to finish.
func (n *Notifier) Close() {
	n.wg.Wait()
}
