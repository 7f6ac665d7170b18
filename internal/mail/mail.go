// Package mail links a user's external mailbox to the chat: it owns the
// OAuth connection records, the periodic poll that relays new messages as
// notifications, and the dedup ledger that keeps each mail to one notice.
package mail

import (
	"context"
	"time"

	"github.com/google/uuid"

	kit "todobot/internal/transport"
)

// Connection is one linked mailbox. At most one exists per (guild, user).
type Connection struct {
	ID           string
	GuildID      int64
	UserID       int64
	Email        string
	AccessToken  string
	RefreshToken string

	// TokenExpiresAt is stored UTC; always compare UTC instants and
	// normalize at every ingestion point.
	TokenExpiresAt time.Time
	LastCheckedAt  *time.Time

	CreatedAt time.Time
}

func NewConnection(guildID, userID int64, email, access, refresh string, expiresAt time.Time) *Connection {
	return &Connection{
		ID:             uuid.NewString(),
		GuildID:        guildID,
		UserID:         userID,
		Email:          email,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: expiresAt.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
}

// Message is one mail as reported by the provider, newest-first.
type Message struct {
	ID         string // provider message id; dedup key per connection
	Subject    string
	Sender     string
	ReceivedAt time.Time // UTC
}

// Notice is the dedup ledger row: proof that one mail already produced a
// notification. (ConnectionID, MessageID) is unique.
type Notice struct {
	ID           string
	ConnectionID string
	MessageID    string
	Subject      string
	Sender       string
	ReceivedAt   time.Time
	NotifiedAt   time.Time
	Delivery     kit.MessageRef
}

// Store is the persistence surface the mail subsystem needs.
type Store interface {
	UpsertConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, guildID, userID int64) (*Connection, error)
	DeleteConnection(ctx context.Context, guildID, userID int64) error

	// ListActiveConnections returns connections whose token has not hard
	// expired at now. Soft refresh happens inline during the poll.
	ListActiveConnections(ctx context.Context, now time.Time) ([]*Connection, error)
	UpdateConnectionTokens(ctx context.Context, id, access, refresh string, expiresAt time.Time) error
	TouchLastChecked(ctx context.Context, id string, at time.Time) error

	HasNotice(ctx context.Context, connectionID, messageID string) (bool, error)

	// RecordNotice inserts a ledger row; inserting a duplicate
	// (connection, message) pair reports inserted=false without error.
	RecordNotice(ctx context.Context, n *Notice) (inserted bool, err error)

	PurgeNoticesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
