package event_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/pinquiz/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a single subscriber should receive correct event": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("roster.updated"),
						eventWithName("round.started"),
					},
					subscribers: []subscriber{
						{
							name:        "admin",
							subscribeTo: []string{"roster.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("roster.updated")}, out.received["admin"])
			},
		},

		"a single subscriber should receive all dispatched event": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("roster.updated"),
						eventWithName("roster.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "admin",
							subscribeTo: []string{"roster.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("roster.updated"), eventWithName("roster.updated")}, out.received["admin"])
			},
		},

		"an event should be dispatched to all subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("roster.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "admin",
							subscribeTo: []string{"roster.updated"},
						},
						{
							name:        "leaderboard",
							subscribeTo: []string{"roster.updated"},
						},
						{
							name:        "archive",
							subscribeTo: []string{"roster.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("roster.updated")}, out.received["admin"])
				assert.ElementsMatch(t, []event.Event{eventWithName("roster.updated")}, out.received["leaderboard"])
				assert.ElementsMatch(t, []event.Event{eventWithName("roster.updated")}, out.received["archive"])
			},
		},

		"multiple events should be dispatched correctly multiple subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("roster.updated"),
						eventWithName("round.started"),
						eventWithName("roster.updated"),
						eventWithName("round.ended"),
					},
					subscribers: []subscriber{
						{
							name:        "admin",
							subscribeTo: []string{"roster.updated"},
						},
						{
							name:        "leaderboard",
							subscribeTo: []string{"roster.updated", "round.started"},
						},
						{
							name:        "archive",
							subscribeTo: []string{"round.ended", "round.started"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("roster.updated"), eventWithName("roster.updated")}, out.received["admin"])
				assert.ElementsMatch(t, []event.Event{eventWithName("roster.updated"), eventWithName("roster.updated"), eventWithName("round.started")}, out.received["leaderboard"])
				assert.ElementsMatch(t, []event.Event{eventWithName("round.started"), eventWithName("round.ended")}, out.received["archive"])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}

func TestBus_SlowEventDoesNotBlockOthers(t *testing.T) {
	b := event.NewBus(event.WithPoolSize(1))

	release := make(chan struct{})
	b.Subscribe("round.tick", func(ctx context.Context, e event.Event) error {
		<-release
		return nil
	})

	received := make(chan event.Event, 1)
	b.SubscribeMany([]string{"round.ended", "session.ended"}, func(ctx context.Context, e event.Event) error {
		received <- e
		return nil
	})

	// Occupies the only slot of round.tick.
	b.Publish(context.Background(), eventWithName("round.tick"))

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), eventWithName("round.ended"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing round.ended should not wait for round.tick handlers")
	}

	select {
	case e := <-received:
		assert.Equal(t, eventWithName("round.ended"), e)
	case <-time.After(time.Second):
		t.Fatal("round.ended handler should run")
	}

	close(release)
	b.Stop()
}
