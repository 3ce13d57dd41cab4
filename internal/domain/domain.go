package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type LobbyStatus string

const (
	LobbyStatusWaiting    LobbyStatus = "WAITING"
	LobbyStatusInProgress LobbyStatus = "IN_PROGRESS"
	LobbyStatusFinished   LobbyStatus = "FINISHED"
	LobbyStatusCancelled  LobbyStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s LobbyStatus) Terminal() bool {
	return s == LobbyStatusFinished || s == LobbyStatusCancelled
}

// CanBecome reports whether a lobby in status s may move to next.
// Staying in the same status is always allowed for non-terminal statuses.
func (s LobbyStatus) CanBecome(next LobbyStatus) bool {
	switch s {
	case LobbyStatusWaiting:
		return next == LobbyStatusWaiting || next == LobbyStatusInProgress || next == LobbyStatusCancelled
	case LobbyStatusInProgress:
		return next == LobbyStatusInProgress || next == LobbyStatusFinished
	default:
		return false
	}
}

// Lobby represents a waiting room for a multiplayer quiz.
// Users are identified by email.
type Lobby struct {
	ID           string      `json:"id"`
	Host         string      `json:"hostEmail"`
	ModuleID     string      `json:"moduleId"`
	Participants []string    `json:"participants"`
	Status       LobbyStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Equal compares two lobbies field by field. Participants are compared in order.
func (l Lobby) Equal(o Lobby) bool {
	return l.ID == o.ID &&
		l.Host == o.Host &&
		l.ModuleID == o.ModuleID &&
		l.Status == o.Status &&
		l.CreatedAt.Equal(o.CreatedAt) &&
		slices.Equal(l.Participants, o.Participants)
}

// Normalize returns a copy of the lobby where the host is listed as a participant.
func (l Lobby) Normalize() Lobby {
	l.Participants = slices.Clone(l.Participants)
	if l.Host != "" && !slices.Contains(l.Participants, l.Host) {
		l.Participants = append([]string{l.Host}, l.Participants...)
	}
	return l
}

func (l Lobby) IsParticipant(email string) bool {
	return slices.Contains(l.Participants, email)
}

type SessionStatus string

const (
	SessionStatusPlanned   SessionStatus = "PLANNED"
	SessionStatusCountdown SessionStatus = "COUNTDOWN"
	SessionStatusRunning   SessionStatus = "RUNNING"
	SessionStatusFinished  SessionStatus = "FINISHED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionStatusFinished || s == SessionStatusCancelled
}

// rank orders session statuses along the only direction a session can move.
func (s SessionStatus) rank() int {
	switch s {
	case SessionStatusPlanned:
		return 0
	case SessionStatusCountdown:
		return 1
	case SessionStatusRunning:
		return 2
	case SessionStatusFinished, SessionStatusCancelled:
		return 3
	default:
		return -1
	}
}

// Before reports whether s comes strictly before o in a session's lifecycle.
func (s SessionStatus) Before(o SessionStatus) bool {
	return s.rank() < o.rank()
}

// Question is the payload shown to participants. It never carries correctness.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []Option `json:"options"`
}

type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Viewer is the participant-local projection of a session.
type Viewer struct {
	Score    decimal.Decimal `json:"score"`
	Answered bool            `json:"answered"`
}

// SessionState is the cached view of one live quiz run as seen by one participant.
type SessionState struct {
	SessionID       string        `json:"sessionId"`
	Status          SessionStatus `json:"status"`
	CurrentIndex    int           `json:"currentIndex"`
	TotalQuestions  int           `json:"totalQuestions"`
	StartAt         *time.Time    `json:"startAt,omitempty"`
	EndsAt          *time.Time    `json:"endsAt,omitempty"`
	Question        *Question     `json:"question,omitempty"`
	You             Viewer        `json:"you"`
	CorrectAnswerID string        `json:"correctAnswerId,omitempty"`
	Leaderboard     *Leaderboard  `json:"leaderboard,omitempty"`
}

// Leaderboard represents a list of users and their scores within a quiz session.
// The list is sorted by score in descending order.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	Email string          `json:"email"`
	Score decimal.Decimal `json:"score"`
}

// ScoreOf returns the score of the given user, if present.
func (l Leaderboard) ScoreOf(email string) (decimal.Decimal, bool) {
	for _, e := range l.Entries {
		if e.Email == email {
			return e.Score, true
		}
	}
	return decimal.Zero, false
}

// LiveSessionStart is returned by the backend when a host starts a lobby.
type LiveSessionStart struct {
	SessionID string     `json:"sessionId"`
	LobbyID   string     `json:"lobbyId"`
	StartAt   *time.Time `json:"startAt,omitempty"`
}
