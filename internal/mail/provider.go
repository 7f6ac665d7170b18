package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Provider fetches recent mailbox messages, newest first.
type Provider interface {
	ListRecent(ctx context.Context, accessToken string, limit int) ([]Message, error)
}

const graphMessagesURL = "https://graph.microsoft.com/v1.0/me/messages"

// Graph reads the mailbox through the Microsoft Graph API.
type Graph struct {
	http    *http.Client
	baseURL string
}

func NewGraph() *Graph {
	// A stuck provider call must not stall the poll loop indefinitely.
	return &Graph{http: &http.Client{Timeout: 30 * time.Second}, baseURL: graphMessagesURL}
}

type graphAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress graphAddress `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
}

func (g *Graph) ListRecent(ctx context.Context, accessToken string, limit int) ([]Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	q := url.Values{}
	q.Set("$top", strconv.Itoa(limit))
	q.Set("$orderby", "receivedDateTime desc")
	q.Set("$select", "subject,from,receivedDateTime,id")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("fetch messages: http %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Value []graphMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	msgs := make([]Message, 0, len(out.Value))
	for _, m := range out.Value {
		if m.ID == "" {
			// A message without an id cannot be deduplicated; skip it
			// rather than risk re-notifying forever.
			continue
		}
		sender := m.From.EmailAddress.Address
		if m.From.EmailAddress.Name != "" {
			sender = fmt.Sprintf("%s (%s)", m.From.EmailAddress.Name, m.From.EmailAddress.Address)
		}
		subject := m.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		msgs = append(msgs, Message{
			ID:         m.ID,
			Subject:    subject,
			Sender:     sender,
			ReceivedAt: m.ReceivedDateTime.UTC(),
		})
	}
	return msgs, nil
}

// Profile returns the signed-in mailbox address, used once at connect time.
func (g *Graph) Profile(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("fetch profile: http %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode profile: %w", err)
	}
	if out.Mail != "" {
		return out.Mail, nil
	}
	return out.UserPrincipalName, nil
}
