package mail

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	kit "todobot/internal/transport"
	logx "todobot/pkg/logx"
)

type memStore struct {
	conns   map[string]*Connection
	noticed map[string]bool // connectionID + "/" + messageID
	touched map[string]time.Time
	tokens  map[string][3]string // id -> access, refresh, expiry RFC3339

	hasErr      error
	recordErr   error
	purged      int64
	purgeCutoff time.Time
}

func newMemStore(conns ...*Connection) *memStore {
	s := &memStore{
		conns:   map[string]*Connection{},
		noticed: map[string]bool{},
		touched: map[string]time.Time{},
		tokens:  map[string][3]string{},
	}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *memStore) UpsertConnection(_ context.Context, c *Connection) error {
	s.conns[c.ID] = c
	return nil
}

func (s *memStore) GetConnection(_ context.Context, guildID, userID int64) (*Connection, error) {
	for _, c := range s.conns {
		if c.GuildID == guildID && c.UserID == userID {
			return c, nil
		}
	}
	return nil, errors.New("not found")
}

func (s *memStore) DeleteConnection(_ context.Context, guildID, userID int64) error { return nil }

func (s *memStore) ListActiveConnections(_ context.Context, now time.Time) ([]*Connection, error) {
	var out []*Connection
	for _, c := range s.conns {
		if c.TokenExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) UpdateConnectionTokens(_ context.Context, id, access, refresh string, expiresAt time.Time) error {
	s.tokens[id] = [3]string{access, refresh, expiresAt.UTC().Format(time.RFC3339)}
	return nil
}

func (s *memStore) TouchLastChecked(_ context.Context, id string, at time.Time) error {
	s.touched[id] = at
	return nil
}

func (s *memStore) HasNotice(_ context.Context, connectionID, messageID string) (bool, error) {
	if s.hasErr != nil {
		return false, s.hasErr
	}
	return s.noticed[connectionID+"/"+messageID], nil
}

func (s *memStore) RecordNotice(_ context.Context, n *Notice) (bool, error) {
	if s.recordErr != nil {
		return false, s.recordErr
	}
	key := n.ConnectionID + "/" + n.MessageID
	if s.noticed[key] {
		return false, nil
	}
	s.noticed[key] = true
	return true, nil
}

func (s *memStore) PurgeNoticesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.purgeCutoff = cutoff
	return s.purged, nil
}

type stubCreds struct {
	access    string
	refresh   string
	expiresAt time.Time
	err       error
	calls     int
}

func (c *stubCreds) Refresh(_ context.Context, _ *Connection) (string, string, time.Time, error) {
	c.calls++
	if c.err != nil {
		return "", "", time.Time{}, c.err
	}
	return c.access, c.refresh, c.expiresAt, nil
}

type stubProvider struct {
	msgs      []Message
	err       error
	gotToken  string
	gotLimits []int
}

func (p *stubProvider) ListRecent(_ context.Context, token string, limit int) ([]Message, error) {
	p.gotToken = token
	p.gotLimits = append(p.gotLimits, limit)
	if p.err != nil {
		return nil, p.err
	}
	return p.msgs, nil
}

type countSink struct {
	sent []kit.Notification
	err  error
}

func (s *countSink) Deliver(_ context.Context, _ kit.ChatTarget, n kit.Notification) (kit.MessageRef, error) {
	if s.err != nil {
		return kit.MessageRef{}, s.err
	}
	s.sent = append(s.sent, n)
	return kit.MessageRef{MessageID: len(s.sent)}, nil
}

func testConn(now time.Time) *Connection {
	c := NewConnection(100, 7, "alice@example.com", "access-old", "refresh-old", now.Add(time.Hour))
	return c
}

func msgN(i int, at time.Time) Message {
	return Message{
		ID:         fmt.Sprintf("msg-%d", i),
		Subject:    fmt.Sprintf("subject %d", i),
		Sender:     "Bob (bob@example.com)",
		ReceivedAt: at,
	}
}

func newTestPoller(store Store, creds CredentialStore, provider Provider, sink kit.Sink, now time.Time) *Poller {
	p := NewPoller(store, creds, provider, sink, 20, logx.Nop())
	p.now = func() time.Time { return now }
	return p
}

func TestPollDeduplicatesSeenMessages(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conn := testConn(now)
	store := newMemStore(conn)
	provider := &stubProvider{msgs: []Message{msgN(1, now), msgN(2, now)}}
	sink := &countSink{}

	p := newTestPoller(store, &stubCreds{}, provider, sink, now)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if len(sink.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sink.sent))
	}

	// same messages again: nothing new to notify
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll error: %v", err)
	}
	if len(sink.sent) != 2 {
		t.Fatalf("sent = %d after repeat poll, want still 2", len(sink.sent))
	}
}

func TestPollBurstCapKeepsNewest(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conn := testConn(now)
	store := newMemStore(conn)

	// provider order is newest-first
	var msgs []Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, msgN(i, now.Add(-time.Duration(i)*time.Minute)))
	}
	provider := &stubProvider{msgs: msgs}
	sink := &countSink{}

	p := newTestPoller(store, &stubCreds{}, provider, sink, now)
	if err := p.PollConnection(context.Background(), conn); err != nil {
		t.Fatalf("PollConnection error: %v", err)
	}
	if len(sink.sent) != 3 {
		t.Fatalf("sent = %d, want burst cap of 3", len(sink.sent))
	}
	// the newest three got through, the remaining two stay unseen
	for i := 0; i < 3; i++ {
		if !store.noticed[conn.ID+"/"+fmt.Sprintf("msg-%d", i)] {
			t.Fatalf("msg-%d not in ledger", i)
		}
	}
	for i := 3; i < 5; i++ {
		if store.noticed[conn.ID+"/"+fmt.Sprintf("msg-%d", i)] {
			t.Fatalf("msg-%d unexpectedly in ledger", i)
		}
	}
}

func TestPollTokenRefreshPersistsBeforeUse(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conn := testConn(now)
	conn.TokenExpiresAt = now.Add(2 * time.Minute) // inside the refresh window

	store := newMemStore(conn)
	creds := &stubCreds{access: "access-new", refresh: "refresh-new", expiresAt: now.Add(time.Hour)}
	provider := &stubProvider{}
	p := newTestPoller(store, creds, provider, &countSink{}, now)

	if err := p.PollConnection(context.Background(), conn); err != nil {
		t.Fatalf("PollConnection error: %v", err)
	}
	if creds.calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", creds.calls)
	}
	if provider.gotToken != "access-new" {
		t.Fatalf("provider used token %q, want the refreshed one", provider.gotToken)
	}
	saved, ok := store.tokens[conn.ID]
	if !ok || saved[0] != "access-new" || saved[1] != "refresh-new" {
		t.Fatalf("persisted tokens = %v, want the refreshed triple", saved)
	}
	if conn.AccessToken != "access-new" || conn.RefreshToken != "refresh-new" {
		t.Fatal("in-memory connection not updated after refresh")
	}
}

func TestPollTokenNotRefreshedWhenFresh(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conn := testConn(now) // expires in 1h, well outside the window

	creds := &stubCreds{}
	provider := &stubProvider{}
	p := newTestPoller(newMemStore(conn), creds, provider, &countSink{}, now)

	if err := p.PollConnection(context.Background(), conn); err != nil {
		t.Fatalf("PollConnection error: %v", err)
	}
	if creds.calls != 0 {
		t.Fatalf("refresh calls = %d, want 0", creds.calls)
	}
	if provider.gotToken != "access-old" {
		t.Fatalf("provider used token %q, want the existing one", provider.gotToken)
	}
}

func TestPollRefreshFailureSkipsConnection(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	bad := testConn(now)
	bad.TokenExpiresAt = now.Add(time.Minute)
	good := NewConnection(200, 8, "carol@example.com", "access-ok", "refresh-ok", now.Add(time.Hour))

	store := newMemStore(bad, good)
	creds := &stubCreds{err: &RefreshError{Email: bad.Email, Err: errors.New("invalid_grant")}}
	provider := &stubProvider{msgs: []Message{msgN(1, now)}}
	sink := &countSink{}

	p := newTestPoller(store, creds, provider, sink, now)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	// the good connection was still polled and notified
	if len(sink.sent) != 1 {
		t.Fatalf("sent = %d, want 1 from the healthy connection", len(sink.sent))
	}
	if _, touched := store.touched[bad.ID]; touched {
		t.Fatal("failed connection should not have its checkpoint touched")
	}
}

func TestPollTouchesLastCheckedDespiteDeliveryFailure(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conn := testConn(now)
	store := newMemStore(conn)
	provider := &stubProvider{msgs: []Message{msgN(1, now)}}
	sink := &countSink{err: errors.New("chat unreachable")}

	p := newTestPoller(store, &stubCreds{}, provider, sink, now)
	if err := p.PollConnection(context.Background(), conn); err != nil {
		t.Fatalf("PollConnection error: %v", err)
	}
	if _, ok := store.touched[conn.ID]; !ok {
		t.Fatal("last_checked not touched after failed deliveries")
	}
	// undelivered message stays out of the ledger for the next tick
	if store.noticed[conn.ID+"/msg-1"] {
		t.Fatal("failed notification must not enter the ledger")
	}
}

func TestFetchLimitClamped(t *testing.T) {
	t.Parallel()
	for _, limit := range []int{0, -3, 51, 1000} {
		p := NewPoller(newMemStore(), &stubCreds{}, &stubProvider{}, &countSink{}, limit, logx.Nop())
		if p.fetchLimit != 20 {
			t.Fatalf("fetchLimit for %d = %d, want default 20", limit, p.fetchLimit)
		}
	}
	p := NewPoller(newMemStore(), &stubCreds{}, &stubProvider{}, &countSink{}, 35, logx.Nop())
	if p.fetchLimit != 35 {
		t.Fatalf("fetchLimit = %d, want 35 kept", p.fetchLimit)
	}
}

func TestSweepUsesRetentionCutoff(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.purged = 4
	p := newTestPoller(store, &stubCreds{}, &stubProvider{}, &countSink{}, now)
	if err := p.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	want := now.Add(-30 * 24 * time.Hour)
	if !store.purgeCutoff.Equal(want) {
		t.Fatalf("purge cutoff = %v, want %v", store.purgeCutoff, want)
	}
}
