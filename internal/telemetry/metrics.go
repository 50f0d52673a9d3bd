package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GamesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pinquiz",
		Name:      "games_created_total",
		Help:      "Number of game sessions created.",
	})

	GamesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pinquiz",
		Name:      "games_finished_total",
		Help:      "Number of game sessions that reached the finished state.",
	})

	PlayersJoined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pinquiz",
		Name:      "players_joined_total",
		Help:      "Number of successful joins.",
	})

	AnswersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pinquiz",
		Name:      "answers_submitted_total",
		Help:      "Number of answers written by players, by outcome.",
	}, []string{"outcome"})

	RoundsScored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pinquiz",
		Name:      "rounds_scored_total",
		Help:      "Number of rounds scored by hosts.",
	})

	PointsAwarded = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pinquiz",
		Name:      "points_awarded",
		Help:      "Points awarded per scored answer.",
		Buckets:   []float64{0, 1000, 1250, 1500, 1750, 2000},
	})

	WebsocketClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pinquiz",
		Name:      "websocket_clients",
		Help:      "Number of connected websocket clients, by kind.",
	}, []string{"kind"})
)
