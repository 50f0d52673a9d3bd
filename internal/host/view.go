package host

import (
	"maps"
	"slices"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/score"
)

// View is what the admin console renders.
type View struct {
	PIN         string       `json:"pin"`
	Name        string       `json:"name"`
	State       domain.State `json:"state"`
	Round       int          `json:"round"`
	TotalRounds int          `json:"totalRounds"`
	RoundOpen   bool         `json:"roundOpen"`
	TimeLeft    int          `json:"timeLeft"`

	Question  *domain.Question  `json:"question,omitempty"`
	Questions []domain.Question `json:"questions"`

	// Leaderboard is the roster sorted by score.
	Leaderboard []domain.Player `json:"leaderboard"`
	// Answered is the number of answers received in the current round.
	Answered int `json:"answered"`
	// Stats counts the answers per option, index 0 being no answer.
	Stats   [domain.OptionCount + 1]int `json:"stats"`
	History []domain.QuestionResult     `json:"history"`
}

func (g *Game) View() View {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := View{
		PIN:         g.pin,
		Name:        g.session.Name,
		State:       g.session.State,
		Round:       g.round,
		TotalRounds: len(g.session.Questions),
		RoundOpen:   g.roundOpen,
		TimeLeft:    g.timeLeft,
		Questions:   slices.Clone(g.session.Questions),
		Leaderboard: score.Leaderboard(g.players),
		Answered:    len(g.answers),
		Stats:       answerStats(g.answers),
		History:     slices.Clone(g.history),
	}

	if g.round >= 0 && g.round < len(g.session.Questions) && g.session.State == domain.StatePlaying {
		q := g.session.Questions[g.round]
		v.Question = &q
	}

	return v
}

// Session returns the session as this game knows it.
func (g *Game) Session() domain.Session {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.snapshot()
}

func (g *Game) snapshot() domain.Session {
	ss := g.session
	ss.Questions = slices.Clone(g.session.Questions)
	ss.Players = maps.Clone(g.players)
	return ss
}

// Results returns the final results of a finished game.
func (g *Game) Results() (domain.FinalResults, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session.State != domain.StateFinished || g.session.FinalResults == nil {
		return domain.FinalResults{}, errors.FailedPrecondition("game %s is not finished yet", g.pin)
	}
	return *g.session.FinalResults, nil
}
