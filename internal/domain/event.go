package domain

const (
	EventNameSnapshotUpdated     = "snapshot.updated"
	EventNameLeaderboardReceived = "leaderboard.received"
	EventNameLeaderboardUpdated  = "leaderboard.updated"
)

// EventSnapshotUpdated is published on the in-process bus whenever a cached
// snapshot is written or evicted, so views can re-read it.
type EventSnapshotUpdated struct {
	Key     string
	Deleted bool
}

func (EventSnapshotUpdated) Name() string { return EventNameSnapshotUpdated }

// EventLeaderboardReceived carries a leaderboard pushed by the server with a
// QUESTION_END or QUIZ_ENDED event.
type EventLeaderboardReceived struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardReceived) Name() string { return EventNameLeaderboardReceived }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
