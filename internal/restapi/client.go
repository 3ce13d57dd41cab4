// Package restapi is the client of the quiz backend's REST endpoints used by
// the live features.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/telemetry"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	BaseURL    string
	Tokens     auth.TokenSource
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	tokens  auth.TokenSource
	http    *http.Client
}

func New(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		baseURL: c.BaseURL,
		tokens:  c.Tokens,
		http:    hc,
	}
}

// StartLiveSession starts the quiz of a lobby. Only the host may call it.
func (c *Client) StartLiveSession(ctx context.Context, lobbyID string) (*domain.LiveSessionStart, error) {
	var out domain.LiveSessionStart
	if err := c.do(ctx, "start_live_session", http.MethodPost, "/api/live/lobbies/"+url.PathEscape(lobbyID)+"/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSessionState returns the session as seen by the signed-in participant.
func (c *Client) GetSessionState(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	var out domain.SessionState
	if err := c.do(ctx, "get_session_state", http.MethodGet, "/api/live/sessions/"+url.PathEscape(sessionID)+"/state", nil, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	return &out, nil
}

type SubmitAnswerRequest struct {
	SessionID     string `json:"-"`
	QuestionIndex int    `json:"questionIndex"`
	AnswerID      string `json:"answerId"`
}

// SubmitLiveAnswer submits the answer to the current question. Scoring is
// reported later through the session's events.
func (c *Client) SubmitLiveAnswer(ctx context.Context, req SubmitAnswerRequest) error {
	return c.do(ctx, "submit_live_answer", http.MethodPost, "/api/live/sessions/"+url.PathEscape(req.SessionID)+"/answers", req, nil)
}

func (c *Client) GetLobby(ctx context.Context, lobbyID string) (*domain.Lobby, error) {
	var out domain.Lobby
	if err := c.do(ctx, "get_lobby", http.MethodGet, "/api/lobbies/"+url.PathEscape(lobbyID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetWaitingLobbies(ctx context.Context) ([]domain.Lobby, error) {
	var out []domain.Lobby
	if err := c.do(ctx, "get_waiting_lobbies", http.MethodGet, "/api/lobbies?status="+string(domain.LobbyStatusWaiting), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type createLobbyRequest struct {
	ModuleID string `json:"moduleId"`
}

// CreateLobby opens a lobby for a module, hosted by the signed-in user.
func (c *Client) CreateLobby(ctx context.Context, moduleID string) (*domain.Lobby, error) {
	var out domain.Lobby
	if err := c.do(ctx, "create_lobby", http.MethodPost, "/api/lobbies", createLobbyRequest{ModuleID: moduleID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JoinLobby(ctx context.Context, lobbyID string) (*domain.Lobby, error) {
	var out domain.Lobby
	if err := c.do(ctx, "join_lobby", http.MethodPost, "/api/lobbies/"+url.PathEscape(lobbyID)+"/join", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveLobby removes the signed-in user from a lobby.
func (c *Client) LeaveLobby(ctx context.Context, lobbyID string) error {
	return c.do(ctx, "leave_lobby", http.MethodPost, "/api/lobbies/"+url.PathEscape(lobbyID)+"/leave", nil, nil)
}

type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("restapi: %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("restapi: %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if id, err := uuid.NewV7(); err == nil {
		req.Header.Set("X-Request-Id", id.String())
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("restapi: %s: %w", op, err)
		}
		if token != "" {
			req.Header.Set("Authorization", auth.Bearer(token))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.APIRequests.WithLabelValues(op, "error").Inc()
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("%s: backend unreachable", op),
			errors.WithCause(err),
		)
	}
	defer resp.Body.Close()

	telemetry.APIRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, &eb) != nil || eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
		return errors.FromHTTP(resp.StatusCode, errors.WithMessagef("%s: %s", op, eb.Message))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("restapi: %s: decode response: %w", op, err)
	}

	return nil
}
