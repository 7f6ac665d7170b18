package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	kit "todobot/internal/transport"
	logx "todobot/pkg/logx"
)

const (
	// refreshWindow is how close to expiry a token may get before the
	// poll refreshes it inline.
	refreshWindow = 5 * time.Minute

	// notifyBurst bounds notifications per connection per tick, so a
	// flooded inbox doesn't flood the chat.
	notifyBurst = 3

	// retention is how long ledger rows are kept before the sweep
	// deletes them.
	retention = 30 * 24 * time.Hour
)

// Poller runs the two mail jobs: Poll relays new messages into the chat
// (default every 30m), Sweep reaps old ledger rows (default every 24h).
type Poller struct {
	store    Store
	creds    CredentialStore
	provider Provider
	sink     kit.Sink
	log      logx.Logger

	fetchLimit int
	now        func() time.Time
}

func NewPoller(store Store, creds CredentialStore, provider Provider, sink kit.Sink, fetchLimit int, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if fetchLimit < 1 || fetchLimit > 50 {
		fetchLimit = 20
	}
	return &Poller{
		store:      store,
		creds:      creds,
		provider:   provider,
		sink:       sink,
		log:        log,
		fetchLimit: fetchLimit,
		now:        time.Now,
	}
}

// Poll walks every active connection. A connection's failure is logged
// and the batch continues; only the storage listing itself is fatal to
// the tick (and the tick is retried by the scheduler anyway).
func (p *Poller) Poll(ctx context.Context) error {
	now := p.now().UTC()

	conns, err := p.store.ListActiveConnections(ctx, now)
	if err != nil {
		return fmt.Errorf("list active connections: %w", err)
	}
	if len(conns) == 0 {
		return nil
	}
	p.log.Debug("mail poll", logx.Int("connections", len(conns)))

	for _, c := range conns {
		if err := p.PollConnection(ctx, c); err != nil {
			p.log.Warn("mail poll failed for connection",
				logx.String("email", c.Email), logx.Err(err))
		}
	}
	return nil
}

// PollConnection fetches recent mail for one connection and notifies the
// messages the ledger has not seen. Also used by the manual poll command.
func (p *Poller) PollConnection(ctx context.Context, c *Connection) error {
	now := p.now().UTC()

	token, err := p.ensureToken(ctx, c, now)
	if err != nil {
		return err
	}

	msgs, err := p.provider.ListRecent(ctx, token, p.fetchLimit)
	if err != nil {
		return err
	}

	// Newest first from the provider; keep that order so the burst cap
	// drops the oldest, not the newest.
	fresh := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		seen, err := p.store.HasNotice(ctx, c.ID, m.ID)
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if !seen {
			fresh = append(fresh, m)
		}
	}

	delivered := 0
	for _, m := range fresh {
		if delivered >= notifyBurst {
			break
		}
		if err := p.notify(ctx, c, m); err != nil {
			// Keep going: the message stays out of the ledger and is
			// picked up again next tick.
			p.log.Warn("mail notification failed",
				logx.String("email", c.Email), logx.String("message_id", m.ID), logx.Err(err))
			continue
		}
		delivered++
	}

	// The reference behavior updates the checkpoint even when individual
	// deliveries failed; unnotified messages are still covered by the
	// ledger, not by this timestamp.
	if err := p.store.TouchLastChecked(ctx, c.ID, p.now().UTC()); err != nil {
		return fmt.Errorf("touch last_checked: %w", err)
	}

	if delivered > 0 {
		p.log.Info("mail notices delivered",
			logx.String("email", c.Email), logx.Int("count", delivered), logx.Int("new", len(fresh)))
	}
	return nil
}

// ensureToken returns a usable access token, refreshing and persisting
// the triple first when expiry is inside the refresh window.
func (p *Poller) ensureToken(ctx context.Context, c *Connection, now time.Time) (string, error) {
	if c.TokenExpiresAt.UTC().Sub(now) >= refreshWindow {
		return c.AccessToken, nil
	}

	access, refresh, expiresAt, err := p.creds.Refresh(ctx, c)
	if err != nil {
		return "", err
	}
	if err := p.store.UpdateConnectionTokens(ctx, c.ID, access, refresh, expiresAt); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}
	c.AccessToken = access
	c.RefreshToken = refresh
	c.TokenExpiresAt = expiresAt.UTC()
	p.log.Info("mail tokens refreshed", logx.String("email", c.Email), logx.Time("expires_at", expiresAt))
	return access, nil
}

func (p *Poller) notify(ctx context.Context, c *Connection, m Message) error {
	ref, err := p.sink.Deliver(ctx, kit.ChatTarget{ChatID: c.GuildID}, kit.Notification{
		Title: "📧 " + m.Subject,
		Body:  fmt.Sprintf("New mail for %s", c.Email),
		Color: kit.ColorBlue,
		Fields: []kit.Field{
			{Label: "From", Value: m.Sender},
			{Label: "Received", Value: m.ReceivedAt.Format("2006-01-02 15:04")},
		},
	})
	if err != nil {
		return err
	}

	inserted, err := p.store.RecordNotice(ctx, &Notice{
		ID:           uuid.NewString(),
		ConnectionID: c.ID,
		MessageID:    m.ID,
		Subject:      m.Subject,
		Sender:       m.Sender,
		ReceivedAt:   m.ReceivedAt,
		NotifiedAt:   p.now().UTC(),
		Delivery:     ref,
	})
	if err != nil {
		return fmt.Errorf("record notice: %w", err)
	}
	if !inserted {
		// Lost a race with a concurrent writer; the upsert keyed on
		// (connection, message) keeps this idempotent.
		p.log.Debug("notice already recorded", logx.String("message_id", m.ID))
	}
	return nil
}

// Sweep deletes ledger rows past retention. Failure is logged by the
// scheduler; the next daily run retries.
func (p *Poller) Sweep(ctx context.Context) error {
	cutoff := p.now().UTC().Add(-retention)
	n, err := p.store.PurgeNoticesBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge notices: %w", err)
	}
	p.log.Info("mail ledger sweep", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	return nil
}
