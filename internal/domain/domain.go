package domain

import (
	"time"
)

// State is the lifecycle state of a game session. Transitions only move forward.
type State string

const (
	StateWaiting  State = "waiting"
	StatePlaying  State = "playing"
	StateFinished State = "finished"
)

// PlayerStatus is set by the player itself to mirror what it is currently showing.
type PlayerStatus string

const (
	PlayerWaiting  PlayerStatus = "waiting"
	PlayerPlaying  PlayerStatus = "playing"
	PlayerFinished PlayerStatus = "finished"
)

const (
	// OptionCount is the number of options of every question.
	OptionCount = 4
	// NoAnswer is the answer recorded when the player did not pick an option in time.
	NoAnswer = 0
	// PINLength is the length of a session PIN.
	PINLength = 6
)

// Session represents a game session, stored at games/{pin}.
type Session struct {
	PIN             string            `json:"pin"`
	Name            string            `json:"name"`
	Created         int64             `json:"created"`
	State           State             `json:"state"`
	Questions       []Question        `json:"questions,omitempty"`
	Players         map[string]Player `json:"players,omitempty"`
	CurrentQuestion *CurrentQuestion  `json:"currentQuestion,omitempty"`
	StartTime       int64             `json:"startTime,omitempty"`
	EndTime         int64             `json:"endTime,omitempty"`
	FinalResults    *FinalResults     `json:"finalResults,omitempty"`
}

// Question is a multiple choice question. CorrectAnswer is a 1-based index into Options.
type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	// TimeLimit is in seconds.
	TimeLimit int   `json:"timeLimit"`
	Added     int64 `json:"added,omitempty"`
}

// CorrectAnswerText returns the text of the correct option, or "" if the question is malformed.
func (q Question) CorrectAnswerText() string {
	if q.CorrectAnswer < 1 || q.CorrectAnswer > len(q.Options) {
		return ""
	}
	return q.Options[q.CorrectAnswer-1]
}

type Player struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Joined     int64        `json:"joined"`
	Score      int          `json:"score"`
	Status     PlayerStatus `json:"status,omitempty"`
	LastActive int64        `json:"lastActive,omitempty"`
	LastAnswer *LastAnswer  `json:"lastAnswer,omitempty"`
}

// LastAnswer is the outcome of the most recently scored round for a player.
type LastAnswer struct {
	Correct       bool `json:"correct"`
	Points        int  `json:"points"`
	TimeBonus     int  `json:"timeBonus"`
	QuestionIndex int  `json:"questionIndex"`
	AnswerGiven   int  `json:"answerGiven"`
}

// CurrentQuestion is the active round, stored at games/{pin}/currentQuestion.
type CurrentQuestion struct {
	Index     int               `json:"index"`
	Question  Question          `json:"question"`
	StartTime int64             `json:"startTime"`
	TimeLimit int               `json:"timeLimit"`
	Answers   map[string]Answer `json:"answers,omitempty"`
}

// Answer is written once per player per round by the player.
type Answer struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	// Answer is the 1-based option, or NoAnswer.
	Answer int `json:"answer"`
	// TimeLeft is the number of seconds left on the player's countdown.
	TimeLeft  int   `json:"timeLeft"`
	Submitted int64 `json:"submitted"`
}

// QuestionResult is the scored outcome of one round. PlayerResults is sorted by points in descending order.
type QuestionResult struct {
	QuestionIndex     int            `json:"questionIndex"`
	QuestionText      string         `json:"questionText"`
	CorrectAnswer     int            `json:"correctAnswer"`
	CorrectAnswerText string         `json:"correctAnswerText"`
	PlayerResults     []PlayerResult `json:"playerResults"`
}

type PlayerResult struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Answer     int    `json:"answer"`
	Correct    bool   `json:"correct"`
	Points     int    `json:"points"`
	TimeBonus  int    `json:"timeBonus"`
	TimeLeft   int    `json:"timeLeft"`
}

// FinalResults is a denormalized copy written once when the session finishes.
// It is not a source of truth; players and the round history are.
type FinalResults struct {
	Players          map[string]Player `json:"players"`
	QuestionResults  []QuestionResult  `json:"questionResults"`
	FinalLeaderboard []Player          `json:"finalLeaderboard"`
}

// Leaderboard represents a list of players and their scores within a session.
// The list is sorted by score in descending order.
type Leaderboard struct {
	PIN     string             `json:"pin"`
	Entries []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Score      int    `json:"score"`
}

// Score represents a player's total score within a session after a round was scored.
type Score struct {
	PIN        string
	PlayerID   string
	PlayerName string
	TotalScore int
	UpdateTime time.Time
}

// Millis converts t to the millisecond timestamps stored in the tree.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// ValidPIN reports whether pin is made of PINLength digits.
func ValidPIN(pin string) bool {
	if len(pin) != PINLength {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
