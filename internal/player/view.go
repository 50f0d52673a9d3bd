package player

import (
	"slices"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/score"
)

// State is the local state of a player. It follows the session state.
type State string

const (
	StateJoining  State = "joining"
	StateWaiting  State = "waiting"
	StatePlaying  State = "playing"
	StateFinished State = "finished"
)

// View is what the player screen renders.
type View struct {
	State    State  `json:"state"`
	PIN      string `json:"pin,omitempty"`
	PlayerID string `json:"playerId,omitempty"`
	Name     string `json:"name,omitempty"`
	Error    string `json:"error,omitempty"`

	Question  *Question `json:"question,omitempty"`
	TimeLeft  int       `json:"timeLeft"`
	Selected  int       `json:"selected"`
	Submitted bool      `json:"submitted"`
	Feedback  *Feedback `json:"feedback,omitempty"`
	// Result is the outcome scored by the host for the current round.
	Result *domain.LastAnswer `json:"result,omitempty"`

	Score       int                       `json:"score"`
	Rank        int                       `json:"rank,omitempty"`
	Total       int                       `json:"total,omitempty"`
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard,omitempty"`
	Achievement string                    `json:"achievement,omitempty"`
}

// Question is a round as shown to players. The correct answer is left out.
type Question struct {
	Index     int      `json:"index"`
	Text      string   `json:"text"`
	Options   []string `json:"options"`
	TimeLimit int      `json:"timeLimit"`
}

// Feedback is computed locally right after submitting, before the host scores the round.
type Feedback struct {
	Answer            int    `json:"answer"`
	Correct           bool   `json:"correct"`
	CorrectAnswer     int    `json:"correctAnswer"`
	CorrectAnswerText string `json:"correctAnswerText"`
	Points            int    `json:"points"`
}

// View returns the current view.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.viewLocked()
}

func (c *Client) viewLocked() View {
	v := View{
		State:     c.state,
		PIN:       c.pin,
		PlayerID:  c.id,
		Name:      c.name,
		Error:     c.err,
		TimeLeft:  c.timeLeft,
		Selected:  c.selected,
		Submitted: c.submitted,
		Score:     c.score,
	}

	if c.state == StatePlaying && c.round != nil {
		v.Question = &Question{
			Index:     c.round.Index,
			Text:      c.round.Question.Text,
			Options:   slices.Clone(c.round.Question.Options),
			TimeLimit: c.round.TimeLimit,
		}
		if c.feedback != nil {
			fb := *c.feedback
			v.Feedback = &fb
		}
		if c.result != nil {
			r := *c.result
			v.Result = &r
		}
	}

	if c.state == StateFinished {
		v.Total = len(c.leaderboard)
		v.Rank = score.Rank(c.leaderboard, c.id)
		for _, p := range c.leaderboard {
			v.Leaderboard = append(v.Leaderboard, domain.LeaderboardEntry{
				PlayerID:   p.ID,
				PlayerName: p.Name,
				Score:      p.Score,
			})
		}
		if v.Rank > 0 {
			v.Achievement = score.Achievement(v.Rank, v.Total)
		}
	}

	return v
}
