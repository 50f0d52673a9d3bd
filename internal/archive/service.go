// Package archive keeps the results of finished games in Postgres.
package archive

import (
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/event"
)

//go:embed schema.sql
var schema string

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		db: c.DB,
	}

	c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.SaveResults(ctx, e.(domain.EventSessionEnded).Session)
	})

	return s
}

// Migrate creates the tables when they do not exist yet.
func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// SaveResults stores the final results of a finished session and one row per round.
func (s *Service) SaveResults(ctx context.Context, ss domain.Session) (err error) {
	if ss.State != domain.StateFinished || ss.FinalResults == nil {
		return errors.FailedPrecondition("game %s is not finished", ss.PIN)
	}

	rows, err := newRows(ss)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insGameStmt = `INSERT INTO game_results (pin, name, started_at, ended_at, players, final_results)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING;`
		insRoundStmt = `INSERT INTO round_results (pin, ended_at, question_index, question_text, correct_answer, answers, correct, player_results)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT DO NOTHING;`
	)

	g := rows.game
	if _, err = tx.Exec(ctx, insGameStmt, g.PIN, g.Name, g.StartedAt, g.EndedAt, g.Players, g.FinalResults); err != nil {
		return fmt.Errorf("insert game result: %w", err)
	}

	b := new(pgx.Batch)
	for _, r := range rows.rounds {
		b.Queue(insRoundStmt, g.PIN, g.EndedAt, r.QuestionIndex, r.QuestionText, r.CorrectAnswer, r.Answers, r.Correct, r.PlayerResults)
	}
	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert round results: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	slog.InfoContext(ctx, "archive: results saved", "pin", ss.PIN, "rounds", len(rows.rounds))
	return nil
}

// LatestResults returns the results of the last finished game played under pin.
func (s *Service) LatestResults(ctx context.Context, pin string) (*domain.FinalResults, error) {
	const stmt = `SELECT final_results FROM game_results WHERE pin = $1 ORDER BY ended_at DESC LIMIT 1;`

	var raw []byte
	if err := s.db.QueryRow(ctx, stmt, pin).Scan(&raw); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("no results archived for game %s", pin)
		}
		return nil, fmt.Errorf("archive: query results: %w", err)
	}

	var fr domain.FinalResults
	if err := json.Unmarshal(raw, &fr); err != nil {
		return nil, fmt.Errorf("archive: decode results of %s: %w", pin, err)
	}
	return &fr, nil
}

type gameRow struct {
	PIN          string
	Name         string
	StartedAt    *time.Time
	EndedAt      time.Time
	Players      int
	FinalResults []byte
}

type roundRow struct {
	QuestionIndex int
	QuestionText  string
	CorrectAnswer int
	Answers       int
	Correct       int
	PlayerResults []byte
}

type rowSet struct {
	game   gameRow
	rounds []roundRow
}

func newRows(ss domain.Session) (rowSet, error) {
	fr, err := json.Marshal(ss.FinalResults)
	if err != nil {
		return rowSet{}, fmt.Errorf("encode final results: %w", err)
	}

	rs := rowSet{
		game: gameRow{
			PIN:          ss.PIN,
			Name:         ss.Name,
			EndedAt:      time.UnixMilli(ss.EndTime).UTC(),
			Players:      len(ss.FinalResults.Players),
			FinalResults: fr,
		},
	}
	if ss.StartTime > 0 {
		t := time.UnixMilli(ss.StartTime).UTC()
		rs.game.StartedAt = &t
	}

	for _, qr := range ss.FinalResults.QuestionResults {
		prs := qr.PlayerResults
		if prs == nil {
			prs = []domain.PlayerResult{}
		}
		b, err := json.Marshal(prs)
		if err != nil {
			return rowSet{}, fmt.Errorf("encode round %d: %w", qr.QuestionIndex, err)
		}

		r := roundRow{
			QuestionIndex: qr.QuestionIndex,
			QuestionText:  qr.QuestionText,
			CorrectAnswer: qr.CorrectAnswer,
			Answers:       len(qr.PlayerResults),
			PlayerResults: b,
		}
		for _, pr := range qr.PlayerResults {
			if pr.Correct {
				r.Correct++
			}
		}
		rs.rounds = append(rs.rounds, r)
	}

	return rs, nil
}
