// Package score computes round outcomes and rankings.
package score

import (
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/victornm/pinquiz/internal/domain"
)

const (
	// BasePoints is awarded for every correct answer.
	BasePoints = 1000
	// MaxTimeBonus is awarded on top when the answer came in with the full time left.
	MaxTimeBonus = 1000
)

var maxTimeBonus = decimal.NewFromInt(MaxTimeBonus)

// Points returns the points and the time bonus earned by answer a to question q.
// Wrong answers, including NoAnswer, earn nothing.
func Points(q domain.Question, a domain.Answer) (points, timeBonus int) {
	if a.Answer != q.CorrectAnswer || q.TimeLimit <= 0 {
		return 0, 0
	}

	left := min(max(a.TimeLeft, 0), q.TimeLimit)
	timeBonus = int(decimal.NewFromInt(int64(left)).
		Mul(maxTimeBonus).
		Div(decimal.NewFromInt(int64(q.TimeLimit))).
		Floor().
		IntPart())

	return BasePoints + timeBonus, timeBonus
}

// Round is the outcome of scoring one round.
type Round struct {
	Result domain.QuestionResult
	// Players holds the updated record of every player that answered.
	Players map[string]domain.Player
}

// ScoreRound scores every answer of round index against q. Answers of players
// that are not in players (e.g. they left) are ignored. Players without an
// answer get no result and keep their score. The players map is not modified.
func ScoreRound(index int, q domain.Question, answers map[string]domain.Answer, players map[string]domain.Player) Round {
	r := Round{
		Result: domain.QuestionResult{
			QuestionIndex:     index,
			QuestionText:      q.Text,
			CorrectAnswer:     q.CorrectAnswer,
			CorrectAnswerText: q.CorrectAnswerText(),
			PlayerResults:     make([]domain.PlayerResult, 0, len(answers)),
		},
		Players: make(map[string]domain.Player, len(answers)),
	}

	for _, id := range sortedKeys(answers) {
		a := answers[id]
		p, ok := players[id]
		if !ok {
			continue
		}

		points, bonus := Points(q, a)
		correct := a.Answer == q.CorrectAnswer

		p.Score = addScore(p.Score, points)
		p.LastAnswer = &domain.LastAnswer{
			Correct:       correct,
			Points:        points,
			TimeBonus:     bonus,
			QuestionIndex: index,
			AnswerGiven:   a.Answer,
		}
		r.Players[id] = p

		r.Result.PlayerResults = append(r.Result.PlayerResults, domain.PlayerResult{
			PlayerID:   id,
			PlayerName: p.Name,
			Answer:     a.Answer,
			Correct:    correct,
			Points:     points,
			TimeBonus:  bonus,
			TimeLeft:   a.TimeLeft,
		})
	}

	sort.SliceStable(r.Result.PlayerResults, func(i, j int) bool {
		return r.Result.PlayerResults[i].Points > r.Result.PlayerResults[j].Points
	})

	return r
}

func addScore(score, points int) int {
	if points <= 0 {
		return score
	}
	if score > math.MaxInt-points {
		return math.MaxInt
	}
	return score + points
}

// Leaderboard returns the players sorted by score in descending order.
// Ties are ordered by name, then ID, so every client renders the same order.
func Leaderboard(players map[string]domain.Player) []domain.Player {
	out := make([]domain.Player, 0, len(players))
	for _, p := range players {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// Rank returns the 1-based position of the player in the leaderboard, or 0 if absent.
func Rank(leaderboard []domain.Player, playerID string) int {
	for i, p := range leaderboard {
		if p.ID == playerID {
			return i + 1
		}
	}
	return 0
}

// Achievement returns the message shown to a player finishing at position out of total.
func Achievement(position, total int) string {
	switch {
	case position == 1:
		return "CHAMPION! YOU WON THE GAME!"
	case position == 2:
		return "SILVER MEDAL! AMAZING!"
	case position == 3:
		return "BRONZE MEDAL! EXCELLENT!"
	case position <= ceilDiv(total, 4):
		return "TOP QUARTER FINISH!"
	case position <= ceilDiv(total, 2):
		return "TOP HALF FINISH!"
	default:
		return "GOOD EFFORT!"
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
