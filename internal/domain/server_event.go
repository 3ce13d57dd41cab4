package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Server event types, as sent in the "type" field of a real-time message.
const (
	TypeLobbyCreated   = "LOBBY_CREATED"
	TypeLobbyJoined    = "LOBBY_JOINED"
	TypeLobbyLeft      = "LOBBY_LEFT"
	TypeLobbyUpdate    = "LOBBY_UPDATE"
	TypeLobbyCancelled = "LOBBY_CANCELLED"
	TypeQuizStarted    = "QUIZ_STARTED"
	TypeQuestionShow   = "QUESTION_SHOW"
	TypeQuestionEnd    = "QUESTION_END"
	TypeQuizEnded      = "QUIZ_ENDED"
	TypeQuizAborted    = "QUIZ_ABORTED"
)

var ErrUnknownEvent = errors.New("unknown event type")

// ServerEvent is one of the events pushed by the server on a lobby topic.
// The set is closed: every implementation lives in this package.
type ServerEvent interface {
	Type() string
	Accept(v EventVisitor)
}

// EventVisitor must handle every server event type.
type EventVisitor interface {
	VisitLobbyChanged(e LobbyChanged)
	VisitLobbyCancelled(e LobbyCancelled)
	VisitQuizStarted(e QuizStarted)
	VisitQuestionShow(e QuestionShow)
	VisitQuestionEnd(e QuestionEnd)
	VisitQuizEnded(e QuizEnded)
	VisitQuizAborted(e QuizAborted)
}

// LobbyChanged covers LOBBY_CREATED, LOBBY_JOINED, LOBBY_LEFT and LOBBY_UPDATE.
// The lobby payload is a full snapshot, not a patch.
type LobbyChanged struct {
	Kind    string `json:"type"`
	LobbyID string `json:"lobbyId"`
	Lobby   Lobby  `json:"lobby"`
}

func (e LobbyChanged) Type() string          { return e.Kind }
func (e LobbyChanged) Accept(v EventVisitor) { v.VisitLobbyChanged(e) }

// TargetLobby returns the lobby the event refers to.
func (e LobbyChanged) TargetLobby() string {
	if e.LobbyID != "" {
		return e.LobbyID
	}
	return e.Lobby.ID
}

// LobbyCancelled with an empty LobbyID is a broadcast.
type LobbyCancelled struct {
	LobbyID string `json:"lobbyId,omitempty"`
}

func (LobbyCancelled) Type() string            { return TypeLobbyCancelled }
func (e LobbyCancelled) Accept(v EventVisitor) { v.VisitLobbyCancelled(e) }

type QuizStarted struct {
	LobbyID   string     `json:"lobbyId"`
	SessionID string     `json:"sessionId"`
	StartAt   *time.Time `json:"startAt,omitempty"`
}

func (QuizStarted) Type() string            { return TypeQuizStarted }
func (e QuizStarted) Accept(v EventVisitor) { v.VisitQuizStarted(e) }

type QuestionShow struct {
	SessionID string    `json:"sessionId"`
	Index     int       `json:"index"`
	EndsAt    time.Time `json:"endsAt"`
	Question  Question  `json:"question"`
}

func (QuestionShow) Type() string            { return TypeQuestionShow }
func (e QuestionShow) Accept(v EventVisitor) { v.VisitQuestionShow(e) }

type QuestionEnd struct {
	SessionID       string       `json:"sessionId"`
	Index           int          `json:"index"`
	CorrectAnswerID string       `json:"correctAnswerId"`
	Leaderboard     *Leaderboard `json:"leaderboard,omitempty"`
}

func (QuestionEnd) Type() string            { return TypeQuestionEnd }
func (e QuestionEnd) Accept(v EventVisitor) { v.VisitQuestionEnd(e) }

type QuizEnded struct {
	SessionID   string       `json:"sessionId"`
	Leaderboard *Leaderboard `json:"leaderboard,omitempty"`
}

func (QuizEnded) Type() string            { return TypeQuizEnded }
func (e QuizEnded) Accept(v EventVisitor) { v.VisitQuizEnded(e) }

type QuizAborted struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func (QuizAborted) Type() string            { return TypeQuizAborted }
func (e QuizAborted) Accept(v EventVisitor) { v.VisitQuizAborted(e) }

// DecodeEvent decodes a real-time message into its typed event.
func DecodeEvent(b []byte) (ServerEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var (
		e   ServerEvent
		err error
	)
	switch head.Type {
	case TypeLobbyCreated, TypeLobbyJoined, TypeLobbyLeft, TypeLobbyUpdate:
		e, err = decodeAs[LobbyChanged](b)
	case TypeLobbyCancelled:
		e, err = decodeAs[LobbyCancelled](b)
	case TypeQuizStarted:
		e, err = decodeAs[QuizStarted](b)
	case TypeQuestionShow:
		e, err = decodeAs[QuestionShow](b)
	case TypeQuestionEnd:
		e, err = decodeAs[QuestionEnd](b)
	case TypeQuizEnded:
		e, err = decodeAs[QuizEnded](b)
	case TypeQuizAborted:
		e, err = decodeAs[QuizAborted](b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}

	return e, nil
}

func decodeAs[T ServerEvent](b []byte) (ServerEvent, error) {
	var e T
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(e ServerEvent) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], err = json.Marshal(e.Type())
	if err != nil {
		return nil, err
	}

	return json.Marshal(fields)
}
