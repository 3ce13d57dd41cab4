package app

import (
	"encoding/json"
	"log/slog"

	"github.com/victornm/quizlive/internal/domain"
)

// Notification is a message addressed to the user rather than to a lobby.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// onNotification only reports what arrives. Invitations and chat are not
// handled by this client.
func (a *App) onNotification(payload []byte) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		slog.Warn("app: drop undecodable notification", "error", err)
		return
	}

	switch n.Event {
	case domain.EventNameLeaderboardUpdated:
		var lb domain.Leaderboard
		if err := json.Unmarshal(n.Data, &lb); err != nil {
			slog.Warn("app: drop undecodable leaderboard", "error", err)
			return
		}
		slog.Info("app: leaderboard notification", "session", lb.SessionID, "entries", formatLeaderboard(lb))
	default:
		slog.Debug("app: notification ignored", "event", n.Event)
	}
}
