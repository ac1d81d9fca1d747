// Package controlplane is the HTTP client for the session lifecycle API.
//
// Transient failures are retried, including host commands, which are not idempotent. When
// a retried command is refused with InvalidPhase, the client reads the session back and
// reports success if the command had already landed on an earlier attempt.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"study-game-service/internal/domain"
	"study-game-service/internal/protocol"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	maxReplyBytes     = 4 << 20
)

// Client talks to the control plane. It is safe for concurrent use.
type Client struct {
	baseURL    string
	client     *http.Client
	headers    map[string]string
	maxRetries int
	newBackOff func() backoff.BackOff
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithMaxRetries bounds how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackOff sets the retry schedule factory.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: defaultTimeout},
		headers:    make(map[string]string),
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHeader adds a header sent with every request.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// BaseURL returns the server root this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateRequest carries the host's session settings.
type CreateRequest struct {
	HostID     string            `json:"hostId"`
	HostName   string            `json:"hostName,omitempty"`
	GameType   domain.GameType   `json:"gameType"`
	DocumentID string            `json:"documentId"`
	Config     domain.GameConfig `json:"config"`
}

type memberRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) CreateSession(ctx context.Context, groupID string, req CreateRequest) (domain.Session, error) {
	var out domain.Session
	err := c.do(ctx, http.MethodPost, sessionsPath(groupID), req, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context, groupID string) ([]domain.Session, error) {
	var out []domain.Session
	err := c.do(ctx, http.MethodGet, sessionsPath(groupID), nil, &out)
	return out, err
}

// GetSession reads the server's canonical view of a session.
func (c *Client) GetSession(ctx context.Context, groupID, sessionID string) (domain.Session, error) {
	var out domain.Session
	err := c.do(ctx, http.MethodGet, sessionPath(groupID, sessionID, ""), nil, &out)
	return out, err
}

// JoinSession is idempotent: joining twice returns the current snapshot.
func (c *Client) JoinSession(ctx context.Context, groupID, sessionID, userID, displayName string) (domain.Session, error) {
	var out domain.Session
	err := c.do(ctx, http.MethodPost, sessionPath(groupID, sessionID, "join"), memberRequest{UserID: userID, DisplayName: displayName}, &out)
	return out, err
}

// LeaveSession is idempotent and returns the snapshot after the departure.
func (c *Client) LeaveSession(ctx context.Context, groupID, sessionID, userID string) (domain.Session, error) {
	var out domain.Session
	err := c.do(ctx, http.MethodPost, sessionPath(groupID, sessionID, "leave"), memberRequest{UserID: userID}, &out)
	return out, err
}

// Command issues a host lifecycle command.
func (c *Client) Command(ctx context.Context, groupID, sessionID, callerID string, cmd domain.Command) (domain.Session, error) {
	var out domain.Session
	attempts, err := c.doAttempts(ctx, http.MethodPost, sessionPath(groupID, sessionID, string(cmd)), memberRequest{UserID: callerID}, &out)
	if err == nil || attempts < 2 || !errors.Is(err, domain.ErrInvalidPhase) {
		return out, err
	}
	// An earlier attempt may have been applied with its reply lost.
	snap, gerr := c.GetSession(ctx, groupID, sessionID)
	if gerr != nil || !landed(cmd, snap) {
		return out, err
	}
	log.Debug().Str("session_id", sessionID).Str("command", string(cmd)).Msg("retried command had already been applied")
	return snap, nil
}

// landed reports whether snap shows cmd as applied.
func landed(cmd domain.Command, snap domain.Session) bool {
	switch cmd {
	case domain.CmdStart:
		return snap.StartedAt != nil
	case domain.CmdPause:
		return snap.Phase == domain.PhasePaused
	case domain.CmdResume:
		return snap.Phase == domain.PhaseInProgress
	case domain.CmdEnd:
		return snap.Phase == domain.PhaseFinished
	}
	return false
}

func (c *Client) StartSession(ctx context.Context, groupID, sessionID, hostID string) (domain.Session, error) {
	return c.Command(ctx, groupID, sessionID, hostID, domain.CmdStart)
}

func (c *Client) PauseSession(ctx context.Context, groupID, sessionID, hostID string) (domain.Session, error) {
	return c.Command(ctx, groupID, sessionID, hostID, domain.CmdPause)
}

func (c *Client) ResumeSession(ctx context.Context, groupID, sessionID, hostID string) (domain.Session, error) {
	return c.Command(ctx, groupID, sessionID, hostID, domain.CmdResume)
}

func (c *Client) EndSession(ctx context.Context, groupID, sessionID, hostID string) (domain.Session, error) {
	return c.Command(ctx, groupID, sessionID, hostID, domain.CmdEnd)
}

func (c *Client) GetResults(ctx context.Context, groupID, sessionID string) (domain.Results, error) {
	var out domain.Results
	err := c.do(ctx, http.MethodGet, sessionPath(groupID, sessionID, "results"), nil, &out)
	return out, err
}

func (c *Client) GetUserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	var out domain.UserStats
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/stats", nil, &out)
	return out, err
}

func (c *Client) GetUserHistory(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	out := []domain.HistoryEntry{}
	err := c.do(ctx, http.MethodGet, withQuery("/users/"+url.PathEscape(userID)+"/history", q), nil, &out)
	return out, err
}

// GetLeaderboard ranks a group's players. An empty gameType includes every variant.
func (c *Client) GetLeaderboard(ctx context.Context, groupID string, gameType domain.GameType, limit int) ([]domain.GroupStanding, error) {
	q := url.Values{}
	if gameType != "" {
		q.Set("gameType", string(gameType))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	out := []domain.GroupStanding{}
	err := c.do(ctx, http.MethodGet, withQuery("/groups/"+url.PathEscape(groupID)+"/leaderboard", q), nil, &out)
	return out, err
}

// EventURL is the event-plane endpoint for one participant.
func (c *Client) EventURL(groupID, sessionID, userID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + withQuery(sessionPath(groupID, sessionID, "ws"), url.Values{"userId": {userID}})
}

// do runs one request, retrying transient failures with backoff.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doAttempts(ctx, method, path, body, out)
	return err
}

// doAttempts is do that also reports how many attempts were made.
func (c *Client) doAttempts(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = raw
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.once(ctx, method, path, payload, out)
		var cpErr *Error
		if err != nil && errors.As(err, &cpErr) && !cpErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("method", method).Str("path", path).Int("attempt", attempt).Dur("wait", wait).Msg("retrying control plane call")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	return attempt, err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return &Error{Kind: KindNetwork, Status: resp.StatusCode, Err: err}
	}

	var env protocol.Response
	decodeErr := json.Unmarshal(raw, &env)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	if !ok || (decodeErr == nil && !env.Success) {
		if decodeErr == nil && domain.ErrorForCode(env.Code) != nil {
			return &Error{Kind: KindServerRejected, Status: resp.StatusCode, Code: env.Code, Message: env.Message}
		}
		msg := env.Message
		if decodeErr != nil {
			msg = strings.TrimSpace(string(raw))
		}
		return &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return &Error{Kind: KindDecode, Status: resp.StatusCode, Err: decodeErr}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Kind: KindDecode, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func sessionsPath(groupID string) string {
	return "/groups/" + url.PathEscape(groupID) + "/sessions"
}

func sessionPath(groupID, sessionID, action string) string {
	p := sessionsPath(groupID) + "/" + url.PathEscape(sessionID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
