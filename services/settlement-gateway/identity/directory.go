package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/crypto"
)

// ErrUnknownParticipant is returned when no settlement address is registered
// for a participant.
var ErrUnknownParticipant = coreerrors.New(coreerrors.ErrNotFound, "participant_unknown", "identity: participant not registered")

// Directory maps participant ids to settlement addresses and back.
type Directory interface {
	Resolve(ctx context.Context, participantID string) ([20]byte, error)
	Participant(ctx context.Context, addr [20]byte) (string, error)
}

// Static is an in-memory directory populated from configuration.
type Static struct {
	mu     sync.RWMutex
	byID   map[string][20]byte
	byAddr map[[20]byte]string
}

// NewStatic builds a directory from participant id to address strings
// (bech32 or hex).
func NewStatic(entries map[string]string) (*Static, error) {
	s := &Static{byID: make(map[string][20]byte), byAddr: make(map[[20]byte]string)}
	for id, raw := range entries {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("identity: participant %s: %w", id, err)
		}
		s.Register(id, addr)
	}
	return s, nil
}

// Register binds participantID to addr.
func (s *Static) Register(participantID string, addr [20]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimSpace(participantID)
	s.byID[id] = addr
	s.byAddr[addr] = id
}

// Resolve implements Directory.
func (s *Static) Resolve(_ context.Context, participantID string) ([20]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.byID[strings.TrimSpace(participantID)]
	if !ok {
		return [20]byte{}, ErrUnknownParticipant
	}
	return addr, nil
}

// Participant implements Directory.
func (s *Static) Participant(_ context.Context, addr [20]byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddr[addr]
	if !ok {
		return "", ErrUnknownParticipant
	}
	return id, nil
}

// Config defines the HTTP client settings for the identity service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client resolves participants against the remote identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type participantPayload struct {
	ParticipantID string `json:"participantId"`
	Address       string `json:"address"`
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("identity: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Resolve implements Directory.
func (c *Client) Resolve(ctx context.Context, participantID string) ([20]byte, error) {
	payload, err := c.get(ctx, "/participants/"+url.PathEscape(participantID))
	if err != nil {
		return [20]byte{}, err
	}
	addr, err := crypto.ParseAddress(payload.Address)
	if err != nil {
		return [20]byte{}, fmt.Errorf("identity: decode address: %w", err)
	}
	return addr, nil
}

// Participant implements Directory.
func (c *Client) Participant(ctx context.Context, addr [20]byte) (string, error) {
	payload, err := c.get(ctx, "/addresses/"+crypto.FormatAddress(addr))
	if err != nil {
		return "", err
	}
	if payload.ParticipantID == "" {
		return "", ErrUnknownParticipant
	}
	return payload.ParticipantID, nil
}

func (c *Client) get(ctx context.Context, path string) (*participantPayload, error) {
	if c == nil {
		return nil, fmt.Errorf("identity: client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrExternal, "identity_unavailable", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrUnknownParticipant
	default:
		return nil, coreerrors.New(coreerrors.ErrExternal, "identity_unavailable", fmt.Sprintf("identity: unexpected status %d", resp.StatusCode))
	}
	var payload participantPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	return &payload, nil
}
