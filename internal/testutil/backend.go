// Package testutil provides a fake quiz backend for tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/victornm/quizlive/internal/domain"
)

type Answer struct {
	SessionID     string
	QuestionIndex int    `json:"questionIndex"`
	AnswerID      string `json:"answerId"`
}

// Backend is an in-memory stand-in for the REST backend.
type Backend struct {
	URL string

	mu       sync.Mutex
	lobbies  map[string]domain.Lobby
	sessions map[string]domain.SessionState
	starts   map[string]domain.LiveSessionStart
	answers  []Answer
	leaves   []string
	tokens   []string

	// AnswerStatus, when set, is returned instead of accepting answers.
	AnswerStatus int
	// AnswerGate, when set, delays every answer response until it is closed or
	// receives a value.
	AnswerGate chan struct{}
}

func NewBackend(t *testing.T) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := &Backend{
		lobbies:  make(map[string]domain.Lobby),
		sessions: make(map[string]domain.SessionState),
		starts:   make(map[string]domain.LiveSessionStart),
	}

	e := gin.New()
	e.Use(gin.Recovery(), b.authenticate)

	api := e.Group("/api")
	api.GET("/lobbies", b.listLobbies)
	api.POST("/lobbies", b.createLobby)
	api.GET("/lobbies/:id", b.getLobby)
	api.POST("/lobbies/:id/join", b.getLobby)
	api.POST("/lobbies/:id/leave", b.leaveLobby)
	api.POST("/live/lobbies/:id/start", b.startSession)
	api.GET("/live/sessions/:id/state", b.getSession)
	api.POST("/live/sessions/:id/answers", b.submitAnswer)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	b.URL = srv.URL

	return b
}

func (b *Backend) PutLobby(l domain.Lobby) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lobbies[l.ID] = l
}

func (b *Backend) PutSession(s domain.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.SessionID] = s
}

func (b *Backend) PutStart(s domain.LiveSessionStart) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts[s.LobbyID] = s
}

func (b *Backend) Answers() []Answer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Answer(nil), b.answers...)
}

// Leaves returns the lobby ids of every leave request received.
func (b *Backend) Leaves() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.leaves...)
}

// Tokens returns the bearer tokens seen, in order.
func (b *Backend) Tokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

func (b *Backend) authenticate(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing credential"})
		return
	}

	b.mu.Lock()
	b.tokens = append(b.tokens, token)
	b.mu.Unlock()

	c.Next()
}

func (b *Backend) listLobbies(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Lobby, 0, len(b.lobbies))
	for _, l := range b.lobbies {
		if c.Query("status") == "" || string(l.Status) == c.Query("status") {
			out = append(out, l)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) createLobby(c *gin.Context) {
	var req struct {
		ModuleID string `json:"moduleId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ModuleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "moduleId is required"})
		return
	}

	l := domain.Lobby{ID: "L-" + req.ModuleID, ModuleID: req.ModuleID, Status: domain.LobbyStatusWaiting}
	b.PutLobby(l)
	c.JSON(http.StatusCreated, l)
}

func (b *Backend) getLobby(c *gin.Context) {
	b.mu.Lock()
	l, ok := b.lobbies[c.Param("id")]
	b.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "lobby not found"})
		return
	}
	c.JSON(http.StatusOK, l)
}

func (b *Backend) leaveLobby(c *gin.Context) {
	b.mu.Lock()
	b.leaves = append(b.leaves, c.Param("id"))
	b.mu.Unlock()

	c.Status(http.StatusNoContent)
}

func (b *Backend) startSession(c *gin.Context) {
	b.mu.Lock()
	s, ok := b.starts[c.Param("id")]
	b.mu.Unlock()

	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"message": "only the host can start"})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (b *Backend) getSession(c *gin.Context) {
	b.mu.Lock()
	s, ok := b.sessions[c.Param("id")]
	b.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "session not found"})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (b *Backend) submitAnswer(c *gin.Context) {
	if b.AnswerGate != nil {
		select {
		case <-b.AnswerGate:
		case <-c.Request.Context().Done():
			return
		}
	}

	if b.AnswerStatus != 0 {
		c.JSON(b.AnswerStatus, gin.H{"message": "answer rejected"})
		return
	}

	a := Answer{SessionID: c.Param("id")}
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	b.mu.Lock()
	b.answers = append(b.answers, a)
	b.mu.Unlock()

	c.Status(http.StatusNoContent)
}
