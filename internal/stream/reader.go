package stream

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Handler processes one stream entry. A nil return acknowledges the entry;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, stream string, msg goredis.XMessage) error

// GroupReaderConfig configures a consumer-group reader.
type GroupReaderConfig struct {
	Group    string        // consumer group name, e.g. "router"
	Consumer string        // unique consumer name, e.g. hostname
	Block    time.Duration // XREADGROUP block duration
	Count    int64         // max entries per read
}

// GroupReader consumes streams through a Redis consumer group with
// at-least-once delivery. Pending entries from a crashed run are replayed
// by RecoverPending; entries stuck with dead consumers are stolen by the
// stale-entry reclaimer.
type GroupReader struct {
	client   *goredis.Client
	group    string
	consumer string
	block    time.Duration
	count    int64
}

// NewGroupReader builds a reader on top of an existing Bus connection.
func NewGroupReader(bus *Bus, cfg GroupReaderConfig) *GroupReader {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	return &GroupReader{
		client:   bus.Client(),
		group:    cfg.Group,
		consumer: cfg.Consumer,
		block:    cfg.Block,
		count:    cfg.Count,
	}
}

// EnsureGroups creates the consumer group on each stream if missing.
// startID "0" delivers the full backlog to a fresh group; "$" only new entries.
func (r *GroupReader) EnsureGroups(ctx context.Context, startID string, streams ...string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.group, startID).Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// Consume blocks on XREADGROUP over the given streams and feeds entries to
// the handler. Returns when ctx is cancelled.
func (r *GroupReader) Consume(ctx context.Context, streams []string, handle Handler) error {
	// Build stream args: [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  args,
			Count:    r.count,
			Block:    r.block,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[stream] xreadgroup error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, res := range results {
			for _, msg := range res.Messages {
				r.dispatch(ctx, res.Stream, msg, handle)
			}
		}
	}
}

// RecoverPending replays this consumer's unacknowledged entries from a
// previous run before live consumption starts.
func (r *GroupReader) RecoverPending(ctx context.Context, streams []string, handle Handler) error {
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream:   stream,
				Group:    r.group,
				Start:    "-",
				End:      "+",
				Count:    r.count,
				Consumer: r.consumer,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}

			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.group,
				Consumer: r.consumer,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				log.Printf("[stream] xclaim error on %s: %v", stream, err)
				break
			}

			for _, msg := range claimed {
				r.dispatch(ctx, stream, msg, handle)
			}

			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return nil
}

// RunStaleReclaimer periodically steals PEL entries idle longer than minIdle
// from other (presumed dead) consumers and processes them here. Runs until
// ctx is cancelled.
func (r *GroupReader) RunStaleReclaimer(ctx context.Context, streams []string, interval, minIdle time.Duration, handle Handler, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := 0
			for _, stream := range streams {
				claimed, err := r.reclaimStale(ctx, stream, minIdle)
				if err != nil {
					log.Printf("[stream] stale reclaim error on %s: %v", stream, err)
					continue
				}
				for _, msg := range claimed {
					r.dispatch(ctx, stream, msg, handle)
					total++
				}
			}
			if total > 0 && onReclaim != nil {
				onReclaim(total)
			}
		}
	}
}

func (r *GroupReader) reclaimStale(ctx context.Context, stream string, minIdle time.Duration) ([]goredis.XMessage, error) {
	pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  r.group,
		Start:  "-",
		End:    "+",
		Count:  50,
		Idle:   minIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	// Only steal from other consumers; our own PEL is handled by RecoverPending.
	var staleIDs []string
	for _, p := range pending {
		if p.Consumer != r.consumer {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  minIdle,
		Messages: staleIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	if len(claimed) > 0 {
		log.Printf("[stream] reclaimed %d stale entries from %s", len(claimed), stream)
	}
	return claimed, nil
}

func (r *GroupReader) dispatch(ctx context.Context, stream string, msg goredis.XMessage, handle Handler) {
	if err := handle(ctx, stream, msg); err != nil {
		// Leave pending; redelivered on restart or by the reclaimer.
		log.Printf("[stream] handler error on %s %s (left pending): %v", stream, msg.ID, err)
		return
	}
	if err := r.client.XAck(ctx, stream, r.group, msg.ID).Err(); err != nil {
		log.Printf("[stream] xack %s %s: %v", stream, msg.ID, err)
	}
}

// Tail reads a single stream with plain XREAD starting after the given
// entry id, feeding each entry to the handler and advancing the offset.
// Unlike group consumption this is single-consumer resume-from-offset
// semantics; the caller persists the returned offset via SetWorkerOffset.
func (b *Bus) Tail(ctx context.Context, stream, after string, block time.Duration, handle Handler) error {
	last := after
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := b.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{stream, last},
			Count:   100,
			Block:   block,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[stream] xread %s error: %v", stream, err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, res := range results {
			for _, msg := range res.Messages {
				if err := handle(ctx, res.Stream, msg); err != nil {
					return err
				}
				last = msg.ID
			}
		}
	}
}
