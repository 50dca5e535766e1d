package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond"
	goredis "github.com/go-redis/redis/v8"

	"perptrader/internal/logger"
	"perptrader/internal/model"
	"perptrader/internal/stream"
)

// dispatchLedger is the slice of the stream bus the poller needs: the
// idempotency ledger and the liveness key.
type dispatchLedger interface {
	ClaimDispatch(ctx context.Context, botID, entryID string, ttl time.Duration) (bool, error)
	ReleaseDispatch(ctx context.Context, botID, entryID string) error
	Heartbeat(ctx context.Context, service string, ttl time.Duration) error
}

// armExecutor executes signals for one bot. Implemented by executor.Executor.
type armExecutor interface {
	ExecuteArm(ctx context.Context, bot *model.BotConfig, sig model.ArmSignal) (*model.OrderState, error)
	HandleDisarm(ctx context.Context, bot *model.BotConfig, sig model.DisarmSignal) error
}

// Config configures the signal poller.
type Config struct {
	Symbols   []string
	Timeframe string

	Group    string // consumer group, default "router"
	Consumer string // unique consumer name, e.g. hostname

	Workers           int           // dispatch pool size, default 4
	Block             time.Duration // XREADGROUP block
	LedgerTTL         time.Duration // dispatch claim retention, default 24h
	HeartbeatInterval time.Duration // 0 disables heartbeats
	ReclaimInterval   time.Duration // stale-PEL sweep period, default 1m
	ReclaimMinIdle    time.Duration // steal entries idle longer, default 2m
}

// Poller consumes the per-symbol signal streams through a consumer group
// and dispatches each signal to every eligible bot on a worker pool. An
// entry is acknowledged only when every bot dispatch either succeeded or
// failed non-retryably; otherwise it stays pending for redelivery, and the
// per-bot ledger keeps the successful dispatches from running twice.
type Poller struct {
	sbus   *stream.Bus
	ledger dispatchLedger
	cache  *BotCache
	exec   armExecutor
	pool   *pond.WorkerPool
	cfg    Config
	log    *slog.Logger

	// OnDispatch fires after each successful per-bot dispatch.
	OnDispatch func(sigType, botID string)
	// OnDropped fires when an entry is acknowledged without dispatch.
	OnDropped func(reason string)
	// OnReclaimed fires with the entry count each time the stale reclaimer
	// steals work from a dead consumer.
	OnReclaimed func(count int)
}

// NewPoller creates a poller. sbus may be nil in tests that drive
// handleEntry directly.
func NewPoller(sbus *stream.Bus, ledger dispatchLedger, cache *BotCache, exec armExecutor, cfg Config, log *slog.Logger) *Poller {
	if cfg.Group == "" {
		cfg.Group = "router"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LedgerTTL <= 0 {
		cfg.LedgerTTL = 24 * time.Hour
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Minute
	}
	if cfg.ReclaimMinIdle <= 0 {
		cfg.ReclaimMinIdle = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	pool := pond.New(cfg.Workers, cfg.Workers*16,
		pond.MinWorkers(1),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error("dispatch worker panic", slog.Any("panic", p))
		}),
	)
	return &Poller{
		sbus:   sbus,
		ledger: ledger,
		cache:  cache,
		exec:   exec,
		pool:   pool,
		cfg:    cfg,
		log:    log,
	}
}

// Run consumes the signal streams until ctx is cancelled. New groups start
// at the stream tail: signals published before the router existed are stale
// by definition and must not be executed.
func (p *Poller) Run(ctx context.Context) error {
	streams := make([]string, len(p.cfg.Symbols))
	for i, sym := range p.cfg.Symbols {
		streams[i] = stream.KeySignals(sym, p.cfg.Timeframe)
	}

	reader := stream.NewGroupReader(p.sbus, stream.GroupReaderConfig{
		Group:    p.cfg.Group,
		Consumer: p.cfg.Consumer,
		Block:    p.cfg.Block,
	})
	if err := reader.EnsureGroups(ctx, "$", streams...); err != nil {
		return err
	}
	if err := reader.RecoverPending(ctx, streams, p.handleEntry); err != nil {
		return err
	}
	go reader.RunStaleReclaimer(ctx, streams, p.cfg.ReclaimInterval, p.cfg.ReclaimMinIdle, p.handleEntry, p.OnReclaimed)
	if p.cfg.HeartbeatInterval > 0 {
		go p.heartbeatLoop(ctx)
	}

	defer p.pool.StopAndWait()
	return reader.Consume(ctx, streams, p.handleEntry)
}

func (p *Poller) heartbeatLoop(ctx context.Context) {
	ttl := 3 * p.cfg.HeartbeatInterval
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ledger.Heartbeat(ctx, "router", ttl); err != nil {
				p.log.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handleEntry processes one signal stream entry. A nil return acknowledges.
func (p *Poller) handleEntry(ctx context.Context, streamKey string, msg goredis.XMessage) error {
	sig, err := model.ParseSignal(msg.Values)
	if err != nil {
		// Poison entries would redeliver forever; drop them loudly.
		p.log.Error("unparseable signal dropped",
			slog.String("stream", streamKey),
			slog.String("entry_id", msg.ID),
			slog.String("error", err.Error()))
		p.dropped("unparseable")
		return nil
	}

	switch s := sig.(type) {
	case model.ArmSignal:
		if s.TF != p.cfg.Timeframe {
			p.dropped("timeframe_mismatch")
			return nil
		}
		return p.dispatchArm(ctx, msg.ID, s)
	case model.DisarmSignal:
		if s.TF != p.cfg.Timeframe {
			p.dropped("timeframe_mismatch")
			return nil
		}
		return p.dispatchDisarm(ctx, msg.ID, s)
	}
	return nil
}

// dispatchArm fans an ARM out to bots passing the whitelist. The ledger is
// keyed on the signal's idempotency id, so a re-published ARM for the same
// indicator candle and side also dedupes.
func (p *Poller) dispatchArm(ctx context.Context, entryID string, sig model.ArmSignal) error {
	bots := p.cache.BotsFor(sig.Symbol, sig.TF)

	var (
		mu   sync.Mutex
		errs []error
	)
	group := p.pool.Group()
	dispatched := 0
	for i := range bots {
		bot := bots[i]
		if !bot.Eligible() || !bot.AcceptsSide(sig.Side) {
			continue
		}
		dispatched++
		group.Submit(func() {
			if err := p.armOne(ctx, entryID, &bot, sig); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	group.Wait()

	if dispatched == 0 {
		p.dropped("no_eligible_bots")
	}
	if len(errs) > 0 {
		return fmt.Errorf("arm %s: %d of %d dispatches failed: %v", sig.ID(), len(errs), dispatched, errs[0])
	}
	return nil
}

func (p *Poller) armOne(ctx context.Context, entryID string, bot *model.BotConfig, sig model.ArmSignal) error {
	claimed, err := p.ledger.ClaimDispatch(ctx, bot.ID, sig.ID(), p.cfg.LedgerTTL)
	if err != nil {
		return fmt.Errorf("ledger claim for %s: %w", bot.ID, err)
	}
	if !claimed {
		return nil // already dispatched on a previous delivery
	}

	tctx := logger.WithTraceID(ctx, logger.SignalTraceID(entryID, bot.ID))
	st, err := p.exec.ExecuteArm(tctx, bot, sig)
	if err != nil {
		// Nothing was persisted; release the claim so redelivery retries.
		if rerr := p.ledger.ReleaseDispatch(ctx, bot.ID, sig.ID()); rerr != nil {
			p.log.Error("ledger release failed, dispatch may be lost",
				slog.String("bot_id", bot.ID), slog.String("signal_id", sig.ID()),
				slog.String("error", rerr.Error()))
		}
		return fmt.Errorf("execute arm for %s: %w", bot.ID, err)
	}

	p.log.Info("arm dispatched",
		append(logger.LogWithTrace(tctx),
			slog.String("bot_id", bot.ID),
			slog.String("signal_id", sig.ID()),
			slog.String("status", st.Status))...)
	if p.OnDispatch != nil {
		p.OnDispatch(model.SignalArm, bot.ID)
	}
	return nil
}

// dispatchDisarm fans a DISARM out to every eligible bot on the symbol; the
// side whitelist does not gate cancellations.
func (p *Poller) dispatchDisarm(ctx context.Context, entryID string, sig model.DisarmSignal) error {
	bots := p.cache.BotsFor(sig.Symbol, sig.TF)

	var (
		mu   sync.Mutex
		errs []error
	)
	group := p.pool.Group()
	for i := range bots {
		bot := bots[i]
		if !bot.Eligible() {
			continue
		}
		group.Submit(func() {
			tctx := logger.WithTraceID(ctx, logger.SignalTraceID(entryID, bot.ID))
			if err := p.exec.HandleDisarm(tctx, &bot, sig); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("disarm for %s: %w", bot.ID, err))
				mu.Unlock()
				return
			}
			if p.OnDispatch != nil {
				p.OnDispatch(model.SignalDisarm, bot.ID)
			}
		})
	}
	group.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("disarm %s/%s: %d dispatches failed: %v", sig.Symbol, sig.PrevSide, len(errs), errs[0])
	}
	return nil
}

func (p *Poller) dropped(reason string) {
	if p.OnDropped != nil {
		p.OnDropped(reason)
	}
}
