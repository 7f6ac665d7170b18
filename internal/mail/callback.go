package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "todobot/pkg/logx"
)

// CallbackConfig controls the OAuth redirect endpoint.
//
// Security: bind to localhost and put a reverse proxy in front when the
// redirect URL is public.
type CallbackConfig struct {
	Enabled bool
	Addr    string // default "127.0.0.1:8000"
	Path    string // default "/api/mail/callback"
}

// CallbackServer terminates the OAuth authorization-code redirect: it
// exchanges the code, resolves the mailbox address, and upserts the
// connection identified by the state parameter ("guild:user").
type CallbackServer struct {
	mu  sync.Mutex
	log logx.Logger
	cfg CallbackConfig

	oauth *OAuth
	graph *Graph
	store Store

	ln  net.Listener
	srv *http.Server
}

func NewCallbackServer(cfg CallbackConfig, oauth *OAuth, graph *Graph, store Store, log logx.Logger) *CallbackServer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8000"
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/api/mail/callback"
	}
	return &CallbackServer{cfg: cfg, oauth: oauth, graph: graph, store: store, log: log}
}

func (s *CallbackServer) Enabled() bool { return s.cfg.Enabled }

func (s *CallbackServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("callback listen %s: %w", s.cfg.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Path, s.handleCallback)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("callback server exited", logx.Err(err))
		}
	}()

	s.log.Info("callback server listening", logx.String("addr", ln.Addr().String()), logx.String("path", s.cfg.Path))
	return nil
}

func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}
	guildID, userID, err := parseState(r.URL.Query().Get("state"))
	if err != nil {
		http.Error(w, "bad state", http.StatusBadRequest)
		return
	}

	access, refresh, expiresAt, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		s.log.Warn("oauth exchange failed", logx.Err(err))
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	email, err := s.graph.Profile(ctx, access)
	if err != nil {
		s.log.Warn("profile lookup failed", logx.Err(err))
		http.Error(w, "profile lookup failed", http.StatusBadGateway)
		return
	}

	conn := NewConnection(guildID, userID, email, access, refresh, expiresAt)
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		s.log.Error("persist connection failed", logx.Err(err))
		http.Error(w, "could not save connection", http.StatusInternalServerError)
		return
	}

	s.log.Info("mailbox connected", logx.String("email", email), logx.Int64("user", userID))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Connected %s. You can return to the chat.\n", email)
}

// parseState splits the "guild:user" pair carried through the OAuth round
// trip.
func parseState(state string) (guildID, userID int64, err error) {
	parts := strings.SplitN(state, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed state %q", state)
	}
	guildID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed guild id in state: %w", err)
	}
	userID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed user id in state: %w", err)
	}
	return guildID, userID, nil
}
