package domain

const (
	EventNameSessionCreated     = "session.created"
	EventNameRosterUpdated      = "roster.updated"
	EventNameRoundStarted       = "round.started"
	EventNameRoundTick          = "round.tick"
	EventNameAnswersUpdated     = "answers.updated"
	EventNameRoundEnded         = "round.ended"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
	EventNameSessionEnded       = "session.ended"
)

// GameEvent is implemented by every event that belongs to a single session.
type GameEvent interface {
	Name() string
	SessionPIN() string
}

type EventSessionCreated struct {
	Session Session
}

func (EventSessionCreated) Name() string         { return EventNameSessionCreated }
func (e EventSessionCreated) SessionPIN() string { return e.Session.PIN }

type EventRosterUpdated struct {
	PIN     string
	Players map[string]Player
}

func (EventRosterUpdated) Name() string         { return EventNameRosterUpdated }
func (e EventRosterUpdated) SessionPIN() string { return e.PIN }

type EventRoundStarted struct {
	PIN      string
	Index    int
	Question Question
}

func (EventRoundStarted) Name() string         { return EventNameRoundStarted }
func (e EventRoundStarted) SessionPIN() string { return e.PIN }

type EventRoundTick struct {
	PIN      string
	Index    int
	TimeLeft int
}

func (EventRoundTick) Name() string         { return EventNameRoundTick }
func (e EventRoundTick) SessionPIN() string { return e.PIN }

type EventAnswersUpdated struct {
	PIN   string
	Index int
	Count int
	// Stats counts answers per option, index 0 being NoAnswer.
	Stats [OptionCount + 1]int
}

func (EventAnswersUpdated) Name() string         { return EventNameAnswersUpdated }
func (e EventAnswersUpdated) SessionPIN() string { return e.PIN }

type EventRoundEnded struct {
	PIN    string
	Result QuestionResult
}

func (EventRoundEnded) Name() string         { return EventNameRoundEnded }
func (e EventRoundEnded) SessionPIN() string { return e.PIN }

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string         { return EventNameScoreUpdated }
func (e EventScoreUpdated) SessionPIN() string { return e.Score.PIN }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string         { return EventNameLeaderboardUpdated }
func (e EventLeaderboardUpdated) SessionPIN() string { return e.Leaderboard.PIN }

type EventSessionEnded struct {
	Session Session
}

func (EventSessionEnded) Name() string         { return EventNameSessionEnded }
func (e EventSessionEnded) SessionPIN() string { return e.Session.PIN }
