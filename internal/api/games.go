package api

import (
	"context"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/host"
	"github.com/victornm/pinquiz/internal/leaderboard"
)

// The operations below are shared by the HTTP and the gRPC transports.

type CreateSessionRequest struct {
	Name string `json:"name"`
}

type GameRequest struct {
	PIN string `json:"pin"`
}

type AddQuestionRequest struct {
	PIN           string   `json:"pin"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	TimeLimit     int      `json:"timeLimit"`
}

type RemoveQuestionRequest struct {
	PIN   string `json:"pin"`
	Index int    `json:"index"`
}

func (a *API) createSession(ctx context.Context, req CreateSessionRequest) (host.View, error) {
	g, err := a.hs.CreateSession(ctx, host.CreateSessionRequest{Name: req.Name})
	if err != nil {
		return host.View{}, err
	}
	return g.View(), nil
}

func (a *API) getGame(ctx context.Context, req GameRequest) (host.View, error) {
	g, err := a.hs.Resume(ctx, req.PIN)
	if err != nil {
		return host.View{}, err
	}
	return g.View(), nil
}

func (a *API) addQuestion(ctx context.Context, req AddQuestionRequest) (domain.Question, error) {
	g, err := a.hs.Resume(ctx, req.PIN)
	if err != nil {
		return domain.Question{}, err
	}

	return g.AddQuestion(ctx, host.AddQuestionRequest{
		Text:          req.Text,
		Options:       req.Options,
		CorrectAnswer: req.CorrectAnswer,
		TimeLimit:     req.TimeLimit,
	})
}

func (a *API) removeQuestion(ctx context.Context, req RemoveQuestionRequest) (host.View, error) {
	g, err := a.hs.Resume(ctx, req.PIN)
	if err != nil {
		return host.View{}, err
	}

	if err := g.RemoveQuestion(ctx, req.Index); err != nil {
		return host.View{}, err
	}
	return g.View(), nil
}

// control runs one host operation on the game and returns the resulting view.
func (a *API) control(ctx context.Context, req GameRequest, op func(g *host.Game, ctx context.Context) error) (host.View, error) {
	g, err := a.hs.Resume(ctx, req.PIN)
	if err != nil {
		return host.View{}, err
	}

	if err := op(g, ctx); err != nil {
		return host.View{}, err
	}
	return g.View(), nil
}

func (a *API) endGame(ctx context.Context, req GameRequest) (domain.FinalResults, error) {
	g, err := a.hs.Resume(ctx, req.PIN)
	if err != nil {
		return domain.FinalResults{}, err
	}

	if err := g.EndGame(ctx); err != nil {
		return domain.FinalResults{}, err
	}
	return g.Results()
}

// getLeaderboard reads the Redis leaderboard, which follows the roster, and
// falls back to the hosted game when Redis has nothing for the PIN.
func (a *API) getLeaderboard(ctx context.Context, req GameRequest) (*domain.Leaderboard, error) {
	if a.ls != nil {
		l, err := a.ls.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{PIN: req.PIN})
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, errors.CodeNotFound) {
			return nil, err
		}
	}

	g, err := a.hs.Resume(ctx, req.PIN)
	if err != nil {
		return nil, err
	}

	l := &domain.Leaderboard{
		PIN:     req.PIN,
		Entries: []domain.LeaderboardEntry{},
	}
	for _, p := range g.View().Leaderboard {
		l.Entries = append(l.Entries, domain.LeaderboardEntry{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			Score:      p.Score,
		})
	}
	return l, nil
}

// getResults serves the results of a finished game, from the store or,
// once the session is gone, from the archive.
func (a *API) getResults(ctx context.Context, req GameRequest) (*domain.FinalResults, error) {
	g, err := a.hs.Resume(ctx, req.PIN)
	if err == nil {
		fr, err := g.Results()
		if err != nil {
			return nil, err
		}
		return &fr, nil
	}

	if !errors.Is(err, errors.CodeNotFound) || a.ar == nil {
		return nil, err
	}
	return a.ar.LatestResults(ctx, req.PIN)
}
