package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 20

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Redis is a Backend that stores every document (the first two path
// segments, e.g. games/123456) as one JSON string key. Writes are optimistic
// WATCH/MULTI transactions, and every committed write is announced on the
// document's change channel so subscribers in any process re-read it.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (*Redis) Name() string { return "redis" }

func (r *Redis) Open(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Get(ctx context.Context, p Path) (any, error) {
	if len(p) == 1 {
		return r.getCollection(ctx, p[0])
	}

	doc, rest := splitDoc(p)
	root, err := r.load(ctx, r.rdb, doc)
	if err != nil {
		return nil, err
	}
	return getAt(root, rest), nil
}

func (r *Redis) getCollection(ctx context.Context, collection string) (any, error) {
	keys, err := r.scanDocs(ctx, collection)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(keys))
	for _, key := range keys {
		doc := strings.TrimPrefix(key, r.docKey(""))
		root, err := r.load(ctx, r.rdb, doc)
		if err != nil {
			return nil, err
		}
		if root != nil {
			out[strings.TrimPrefix(doc, collection+"/")] = root
		}
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, p Path, v any) error {
	if len(p) == 1 {
		return r.setCollection(ctx, p[0], v)
	}

	doc, rest := splitDoc(p)
	return r.mutate(ctx, doc, p, func(root any) (any, error) {
		return prune(setAt(root, rest, v)), nil
	})
}

func (r *Redis) setCollection(ctx context.Context, collection string, v any) error {
	keys, err := r.scanDocs(ctx, collection)
	if err != nil {
		return err
	}

	for _, key := range keys {
		doc := strings.TrimPrefix(key, r.docKey(""))
		if err := r.Set(ctx, Path(strings.Split(doc, "/")), nil); err != nil {
			return err
		}
	}

	children, ok := v.(map[string]any)
	if v != nil && !ok {
		return fmt.Errorf("collection %s only holds objects", collection)
	}

	for id, child := range children {
		if err := r.Set(ctx, Path{collection, id}, child); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, p Path, fields map[string]any) error {
	if len(p) == 1 {
		for k, v := range fields {
			rel, err := ParsePath(k)
			if err != nil {
				return fmt.Errorf("field %q: %w", k, err)
			}
			if err := r.Set(ctx, p.child(rel), v); err != nil {
				return err
			}
		}
		return nil
	}

	doc, rest := splitDoc(p)
	return r.mutate(ctx, doc, p, func(root any) (any, error) {
		return mergeAt(root, rest, fields)
	})
}

func (r *Redis) UpdateExisting(ctx context.Context, p Path, fields map[string]any) error {
	if len(p) == 1 {
		for k, v := range fields {
			rel, err := ParsePath(k)
			if err != nil {
				return fmt.Errorf("field %q: %w", k, err)
			}

			full := p.child(rel)
			doc, rest := splitDoc(full)
			if len(rest) == 0 {
				continue
			}

			err = r.mutate(ctx, doc, full, func(root any) (any, error) {
				return mergeExistingAt(root, rest[:len(rest)-1], map[string]any{rest[len(rest)-1]: v})
			})
			if err != nil {
				return err
			}
		}
		return nil
	}

	doc, rest := splitDoc(p)
	return r.mutate(ctx, doc, p, func(root any) (any, error) {
		return mergeExistingAt(root, rest, fields)
	})
}

// mutate applies fn to the document in a WATCH/MULTI transaction, retrying
// when another writer got in between, then announces the changed path.
func (r *Redis) mutate(ctx context.Context, doc string, changed Path, fn func(root any) (any, error)) error {
	key := r.docKey(doc)

	txf := func(tx *redis.Tx) error {
		root, err := r.load(ctx, tx, doc)
		if err != nil {
			return err
		}

		next, err := fn(root)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, encode(next), 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = r.rdb.Watch(ctx, txf, key)
		if !stderrors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis: update %s: %w", doc, err)
	}

	if err := r.rdb.Publish(ctx, r.changeChannel(doc), changed.String()).Err(); err != nil {
		return fmt.Errorf("redis: announce change of %s: %w", doc, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, p Path) (*Subscription, error) {
	var ps *redis.PubSub
	if len(p) == 1 {
		ps = r.rdb.PSubscribe(ctx, r.changeChannel(p[0]+"/*"))
	} else {
		doc, _ := splitDoc(p)
		ps = r.rdb.Subscribe(ctx, r.changeChannel(doc))
	}

	// Wait for the confirmation, so no change between the first read and
	// the subscription becoming active can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", p, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := newSubscription(p.String(), func() {
		cancel()
		_ = ps.Close()
	})

	refresh := func() error {
		v, err := r.Get(subCtx, p)
		if err != nil {
			return err
		}
		sub.push(encode(v))
		return nil
	}

	if err := refresh(); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis: read %s: %w", p, err)
	}

	msgs := ps.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				changed, err := ParsePath(msg.Payload)
				if err != nil || !changed.overlaps(p) {
					continue
				}

				if err := refresh(); err != nil && subCtx.Err() == nil {
					slog.ErrorContext(subCtx, "store: refresh subscription failed",
						"path", p.String(),
						"error", err,
					)
				}
			}
		}
	}()

	return sub, nil
}

func (r *Redis) load(ctx context.Context, c getter, doc string) (any, error) {
	b, err := c.Get(ctx, r.docKey(doc)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var root any
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", doc, err)
	}
	return root, nil
}

func (r *Redis) scanDocs(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	it := r.rdb.Scan(ctx, 0, r.docKey(collection+"/*"), 100).Iterator()
	for it.Next(ctx) {
		keys = append(keys, it.Val())
	}
	return keys, it.Err()
}

func (r *Redis) docKey(doc string) string {
	return fmt.Sprintf("%s:doc:%s", r.prefix, doc)
}

func (r *Redis) changeChannel(doc string) string {
	return fmt.Sprintf("%s:changed:%s", r.prefix, doc)
}

func splitDoc(p Path) (string, Path) {
	return p[:2].String(), p[2:]
}
