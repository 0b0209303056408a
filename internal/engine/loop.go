// Package engine runs the deterministic event pipeline: drain the
// ingress queues in kind order, append each frame to the WAL, then
// steer the matcher, risk, funding, and liquidation engines. The WAL
// sequence assigned per frame is the canonical total order of all
// state-changing events; everything after the ingress pop happens on
// one goroutine.
package engine

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/api"
	"tradecore/internal/codec"
	"tradecore/internal/common"
	"tradecore/internal/funding"
	"tradecore/internal/ingest"
	"tradecore/internal/matcher"
	"tradecore/internal/observability"
	"tradecore/internal/replay"
	"tradecore/internal/risk"
	"tradecore/internal/snapshot"
	"tradecore/internal/wal"
)

// MarketSpec carries the per-market inputs the loop needs at runtime.
type MarketSpec struct {
	ID         common.MarketID
	IndexPrice int64
}

// Config tunes the loop cadence.
type Config struct {
	ChainID          uint64
	SnapshotInterval uint64
	FundingInterval  time.Duration
	IdleSleep        time.Duration
	Markets          []MarketSpec
}

// FeedPublisher receives ordered frames and fills for external
// dissemination.
type FeedPublisher interface {
	PublishFrame(frame api.ExpressFeedFrame)
	PublishFill(metadata api.TradeMetadata)
}

// FillRecorder receives fills for durable history projection.
type FillRecorder interface {
	Record(metadata api.TradeMetadata)
}

// restingContext is the side-table entry resolving a resting order to
// its owner for maker-side fill accounting.
type restingContext struct {
	Account common.AccountID
	Market  common.MarketID
	Side    common.Side
}

// Loop is the single-threaded event loop coordinator. Run owns all
// engine state; the resting-order table and the router buffers are
// the only structures read from other goroutines.
type Loop struct {
	config Config
	log    zerolog.Logger

	ingress   *ingest.Pipeline
	wal       *wal.Writer
	snapshots *snapshot.Store
	matcher   *matcher.Engine
	risk      *risk.Engine
	funding   *funding.Engine
	settler   *funding.Applicator
	router    *api.Router
	metrics   *observability.Metrics

	executor *risk.LiquidationExecutor

	publisher FeedPublisher
	recorder  FillRecorder
	broadcast func(api.ExpressFeedFrame)

	mu            sync.Mutex
	restingOrders map[uint64]restingContext

	chainID           atomic.Uint64
	blockNumber       atomic.Uint64
	shutdownRequested atomic.Bool

	lastSnapshotBlock uint64
	lastFundingTick   time.Time
	lastStatusTick    time.Time
	lastStats         ingest.Stats
}

// Deps bundles the loop's collaborators.
type Deps struct {
	Ingress   *ingest.Pipeline
	WAL       *wal.Writer
	Snapshots *snapshot.Store
	Matcher   *matcher.Engine
	Risk      *risk.Engine
	Funding   *funding.Engine
	Router    *api.Router
	Metrics   *observability.Metrics
	Publisher FeedPublisher
	Recorder  FillRecorder
	Broadcast func(api.ExpressFeedFrame)
	Log       zerolog.Logger
}

func NewLoop(config Config, deps Deps) *Loop {
	l := &Loop{
		config:        config,
		log:           deps.Log,
		ingress:       deps.Ingress,
		wal:           deps.WAL,
		snapshots:     deps.Snapshots,
		matcher:       deps.Matcher,
		risk:          deps.Risk,
		funding:       deps.Funding,
		router:        deps.Router,
		metrics:       deps.Metrics,
		publisher:     deps.Publisher,
		recorder:      deps.Recorder,
		broadcast:     deps.Broadcast,
		restingOrders: make(map[uint64]restingContext),
	}
	l.settler = funding.NewApplicator(deps.Funding, deps.Risk)
	l.executor = risk.NewLiquidationExecutor(deps.Risk, deps.Matcher, l.lookupMaker, deps.Log)
	l.chainID.Store(config.ChainID)
	return l
}

// ChainID returns the RPC-visible chain id.
func (l *Loop) ChainID() uint64 {
	return l.chainID.Load()
}

// BlockNumber returns the applied event count.
func (l *Loop) BlockNumber() uint64 {
	return l.blockNumber.Load()
}

// Shutdown asks the loop to stop after the current turn.
func (l *Loop) Shutdown() {
	l.shutdownRequested.Store(true)
}

// lookupMaker resolves a resting order's owner. Safe for concurrent
// callers.
func (l *Loop) lookupMaker(encodedOrderID uint64) (risk.FillContext, bool) {
	l.mu.Lock()
	ctx, ok := l.restingOrders[encodedOrderID]
	l.mu.Unlock()
	if !ok {
		return risk.FillContext{}, false
	}
	return risk.FillContext{
		Account: ctx.Account,
		Market:  ctx.Market,
		Side:    ctx.Side,
	}, true
}

// Bootstrap replays the persisted snapshot and WAL into the engines
// before the live loop starts. Replayed frames skip the WAL append
// and outbound dissemination; only engine state is rebuilt.
func (l *Loop) Bootstrap(snapshotDir, walPath string) error {
	driver := replay.NewDriver()
	if err := driver.Configure(snapshotDir, walPath); err != nil {
		return err
	}

	driver.SetSnapshotHandler(func(sequence uint64, payload []byte) error {
		state, err := decodeState(payload)
		if err != nil {
			return err
		}
		restoreState(l.risk, l.matcher, state)

		l.mu.Lock()
		for _, order := range state.Orders {
			l.restingOrders[order.Request.ID.Encode()] = restingContext{
				Account: order.Request.Account,
				Market:  order.Request.ID.Market,
				Side:    order.Request.Side,
			}
		}
		l.mu.Unlock()

		l.blockNumber.Store(state.BlockNumber)
		l.lastSnapshotBlock = state.BlockNumber
		l.log.Info().
			Uint64("sequence", sequence).
			Uint64("block", state.BlockNumber).
			Int("accounts", len(state.Accounts)).
			Int("orders", len(state.Orders)).
			Msg("snapshot restored")
		return nil
	})

	replayed := 0
	driver.SetEventHandler(func(record wal.Record) error {
		frame, err := parseEnvelope(record.Payload)
		if err != nil {
			return err
		}
		l.applyFrame(frame, record.Header.Sequence, false)
		replayed++
		if l.metrics != nil {
			l.metrics.ReplayEvents.Inc()
		}
		return nil
	})

	if err := driver.Execute(); err != nil {
		return err
	}
	if replayed > 0 {
		l.blockNumber.Add(uint64(replayed))
	}
	l.log.Info().Int("events", replayed).Uint64("block", l.blockNumber.Load()).Msg("wal replay complete")
	return nil
}

// Run drains ingress until shutdown. Returns the first
// infrastructure error; logical per-frame errors are logged and
// skipped.
func (l *Loop) Run() error {
	l.lastFundingTick = time.Now()
	l.log.Info().Msg("event loop started")

	for !l.shutdownRequested.Load() {
		processed, err := l.drainOnce()
		if err != nil {
			return err
		}

		if processed > 0 {
			newBlock := l.blockNumber.Add(processed)
			if l.metrics != nil {
				l.metrics.BlockNumber.Set(float64(newBlock))
				l.metrics.WALNextSequence.Set(float64(l.wal.NextSequence()))
			}
			if l.config.SnapshotInterval > 0 && newBlock-l.lastSnapshotBlock >= l.config.SnapshotInterval {
				if err := l.takeSnapshot(newBlock); err != nil {
					return err
				}
			}
		} else {
			time.Sleep(l.config.IdleSleep)
		}

		if l.config.FundingInterval > 0 {
			if elapsed := time.Since(l.lastFundingTick); elapsed >= l.config.FundingInterval {
				l.runFundingCycle(int64(elapsed / time.Second))
				l.lastFundingTick = time.Now()
			}
		}

		if time.Since(l.lastStatusTick) >= time.Second {
			l.publishStatus()
			l.lastStatusTick = time.Now()
		}
	}

	l.log.Info().Msg("shutdown requested, syncing wal")
	syncStart := time.Now()
	if err := l.wal.Sync(); err != nil {
		return fmt.Errorf("engine: final wal sync: %w", err)
	}
	if l.metrics != nil {
		l.metrics.WALSyncDuration.Observe(time.Since(syncStart).Seconds())
	}
	return nil
}

// publishStatus pushes ingress counters into metrics and logs a
// one-line heartbeat. Pipeline counters are cumulative, so only the
// delta since the previous tick is added.
func (l *Loop) publishStatus() {
	stats := l.ingress.Stats()
	if l.metrics != nil {
		l.metrics.IngressAccepted.WithLabelValues("all").Add(float64(stats.Accepted - l.lastStats.Accepted))
		l.metrics.IngressRejected.WithLabelValues("auth").Add(float64(stats.RejectedAuth - l.lastStats.RejectedAuth))
		l.metrics.IngressRejected.WithLabelValues("rate_limit").Add(float64(stats.RejectedRateLimit - l.lastStats.RejectedRateLimit))
		l.metrics.IngressRejected.WithLabelValues("queue_full").Add(float64(stats.RejectedQueueFull - l.lastStats.RejectedQueueFull))

		newOrders, cancels, replaces := l.ingress.QueueDepths()
		l.metrics.IngressQueueDepth.WithLabelValues("new_order").Set(float64(newOrders))
		l.metrics.IngressQueueDepth.WithLabelValues("cancel").Set(float64(cancels))
		l.metrics.IngressQueueDepth.WithLabelValues("replace").Set(float64(replaces))
	}
	l.log.Debug().
		Uint64("block", l.blockNumber.Load()).
		Uint64("ingress_accepted", stats.Accepted).
		Uint64("rejected_rate_limit", stats.RejectedRateLimit).
		Uint64("wal_next", l.wal.NextSequence()).
		Msg("status")
	l.lastStats = stats
}

// drainOnce empties all three queues once: new orders, then cancels,
// then replaces. That order is the tie-break for frames sharing a
// received timestamp.
func (l *Loop) drainOnce() (uint64, error) {
	var processed uint64

	for {
		frame, ok := l.ingress.NextNewOrder()
		if !ok {
			break
		}
		if err := l.processLive(frame); err != nil {
			return processed, err
		}
		processed++
	}
	for {
		frame, ok := l.ingress.NextCancel()
		if !ok {
			break
		}
		if err := l.processLive(frame); err != nil {
			return processed, err
		}
		processed++
	}
	for {
		frame, ok := l.ingress.NextReplace()
		if !ok {
			break
		}
		if err := l.processLive(frame); err != nil {
			return processed, err
		}
		processed++
	}

	return processed, nil
}

// processLive appends the frame to the WAL and applies it. WAL
// failures are fatal: the engine must not keep accepting events once
// durability is broken.
func (l *Loop) processLive(frame ingest.OwnedFrame) error {
	start := time.Now()

	walOffset, err := l.wal.Append(buildEnvelope(frame))
	if err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	if l.metrics != nil {
		l.metrics.WALRecordsWritten.Inc()
	}

	feedFrame := api.ExpressFeedFrame{WALOffset: walOffset, Payload: frame.Payload}
	l.router.PushExpressFeedFrame(feedFrame)
	if l.publisher != nil {
		l.publisher.PublishFrame(feedFrame)
	}
	if l.broadcast != nil {
		l.broadcast(feedFrame)
	}

	l.applyFrame(frame, walOffset, true)

	if l.metrics != nil {
		kind := frame.Header.Kind.String()
		l.metrics.FramesProcessed.WithLabelValues(kind).Inc()
		l.metrics.FrameDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	return nil
}

// applyFrame dispatches one frame into the engines. live=false is
// the replay path: identical state transitions, no dissemination.
func (l *Loop) applyFrame(frame ingest.OwnedFrame, walOffset uint64, live bool) {
	switch frame.Header.Kind {
	case codec.KindNewOrder:
		l.applyNewOrder(frame, walOffset, live)
	case codec.KindCancel:
		l.applyCancel(frame)
	case codec.KindReplace:
		l.applyReplace(frame, walOffset, live)
	default:
		l.log.Warn().Uint8("kind", uint8(frame.Header.Kind)).Msg("unknown frame kind dropped")
	}
}

// orderIDForFrame derives the order id the way clients address
// orders: their session is the low account bits, the local id the
// low nonce bits.
func orderIDForFrame(market common.MarketID, header ingest.FrameHeader) common.OrderID {
	return common.OrderID{
		Market:  market,
		Session: common.SessionID(header.Account & 0xffff),
		Local:   common.SequenceID(header.Nonce & 0xffffffff),
	}
}

func (l *Loop) defaultMarket() common.MarketID {
	if len(l.config.Markets) == 0 {
		return 1
	}
	return l.config.Markets[0].ID
}

func (l *Loop) applyNewOrder(frame ingest.OwnedFrame, walOffset uint64, live bool) {
	order, err := codec.DecodeNewOrder(frame.Payload)
	if err != nil {
		l.log.Warn().Err(err).Uint64("account", uint64(frame.Header.Account)).Msg("new order decode failed")
		return
	}

	market := l.defaultMarket()
	orderID := orderIDForFrame(market, frame.Header)
	reduceOnly := common.HasFlag(order.Flags, common.FlagReduceOnly)

	riskResult := l.risk.EvaluateOrder(risk.OrderIntent{
		Account:    frame.Header.Account,
		Market:     market,
		Side:       order.Side,
		Quantity:   order.Quantity,
		LimitPrice: order.Price,
		ReduceOnly: reduceOnly,
	})
	if riskResult.Decision != risk.Accepted {
		if l.metrics != nil {
			l.metrics.RiskRejects.WithLabelValues(strconv.Itoa(int(riskResult.RejectCode))).Inc()
		}
		l.log.Debug().
			Uint64("account", uint64(frame.Header.Account)).
			Uint16("code", riskResult.RejectCode).
			Msg("order rejected by risk")
		return
	}

	result := l.matcher.Submit(matcher.OrderRequest{
		ID:       orderID,
		Account:  frame.Header.Account,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    order.Price,
		Tif:      common.TifGTC,
		Flags:    order.Flags,
	})
	if !result.Accepted {
		if l.metrics != nil {
			l.metrics.MatcherRejects.WithLabelValues(strconv.Itoa(int(result.RejectCode))).Inc()
		}
		return
	}

	taker := restingContext{Account: frame.Header.Account, Market: market, Side: order.Side}
	l.applyFills(result.Fills, taker, walOffset, frame.Header.ReceivedTimeNs, live)

	l.mu.Lock()
	if result.Resting {
		l.restingOrders[orderID.Encode()] = taker
	} else {
		delete(l.restingOrders, orderID.Encode())
	}
	l.mu.Unlock()

	if live && len(result.Fills) > 0 {
		l.sweepAfterFills(result.Fills, taker)
	}
}

func (l *Loop) applyCancel(frame ingest.OwnedFrame) {
	cancel, err := codec.DecodeCancel(frame.Payload)
	if err != nil {
		l.log.Warn().Err(err).Uint64("account", uint64(frame.Header.Account)).Msg("cancel decode failed")
		return
	}

	orderID := common.DecodeOrderID(cancel.OrderID)
	result := l.matcher.Cancel(matcher.CancelRequest{ID: orderID})
	if result.Cancelled {
		l.mu.Lock()
		delete(l.restingOrders, cancel.OrderID)
		l.mu.Unlock()
	} else if l.metrics != nil {
		l.metrics.MatcherRejects.WithLabelValues(strconv.Itoa(int(result.RejectCode))).Inc()
	}
}

func (l *Loop) applyReplace(frame ingest.OwnedFrame, walOffset uint64, live bool) {
	replace, err := codec.DecodeReplace(frame.Payload)
	if err != nil {
		l.log.Warn().Err(err).Uint64("account", uint64(frame.Header.Account)).Msg("replace decode failed")
		return
	}

	orderID := common.DecodeOrderID(replace.OrderID)

	l.mu.Lock()
	taker, known := l.restingOrders[replace.OrderID]
	l.mu.Unlock()
	if !known {
		taker = restingContext{
			Account: frame.Header.Account,
			Market:  orderID.Market,
			Side:    common.SideBuy,
		}
	}

	result := l.matcher.Replace(matcher.ReplaceRequest{
		ID:          orderID,
		NewQuantity: replace.NewQuantity,
		NewPrice:    replace.NewPrice,
		NewFlags:    replace.NewFlags,
		NewTif:      common.TifGTC,
	})
	if !result.Accepted {
		if l.metrics != nil {
			l.metrics.MatcherRejects.WithLabelValues(strconv.Itoa(int(result.RejectCode))).Inc()
		}
		return
	}

	l.applyFills(result.Fills, taker, walOffset, frame.Header.ReceivedTimeNs, live)

	l.mu.Lock()
	if result.Resting {
		l.restingOrders[replace.OrderID] = taker
	} else {
		delete(l.restingOrders, replace.OrderID)
	}
	l.mu.Unlock()

	if live && len(result.Fills) > 0 {
		l.sweepAfterFills(result.Fills, taker)
	}
}

// applyFills settles each fill against risk for taker and maker and
// publishes the trade metadata. A fully filled maker leaves the book
// inside the matcher, so its side-table entry is pruned here.
func (l *Loop) applyFills(
	fills []matcher.FillEvent,
	taker restingContext,
	walOffset uint64,
	timestampNs common.TimestampNs,
	live bool,
) {
	for _, fill := range fills {
		l.risk.ApplyFill(risk.FillContext{
			Account:  taker.Account,
			Market:   taker.Market,
			Side:     taker.Side,
			Quantity: fill.Quantity,
			Price:    fill.Price,
		})

		makerEncoded := fill.MakerOrder.Encode()
		l.mu.Lock()
		makerCtx, makerKnown := l.restingOrders[makerEncoded]
		l.mu.Unlock()
		if makerKnown {
			l.risk.ApplyFill(risk.FillContext{
				Account:  makerCtx.Account,
				Market:   makerCtx.Market,
				Side:     makerCtx.Side,
				Quantity: fill.Quantity,
				Price:    fill.Price,
			})
			if !l.matcher.HasOrder(fill.MakerOrder) {
				l.mu.Lock()
				delete(l.restingOrders, makerEncoded)
				l.mu.Unlock()
			}
		}

		metadata := api.TradeMetadata{
			WALOffset:   walOffset,
			OrderID:     fill.TakerOrder.Encode(),
			Account:     taker.Account,
			Market:      taker.Market,
			Price:       fill.Price,
			Quantity:    fill.Quantity,
			TimestampNs: int64(timestampNs),
		}
		l.router.PushTradeMetadata(metadata)
		if live {
			if l.publisher != nil {
				l.publisher.PublishFill(metadata)
			}
			if l.recorder != nil {
				l.recorder.Record(metadata)
			}
		}
		if l.metrics != nil {
			l.metrics.FillsProduced.Inc()
		}
	}
}

// sweepAfterFills re-evaluates margin health for every account
// touched by a batch of fills.
func (l *Loop) sweepAfterFills(fills []matcher.FillEvent, taker restingContext) {
	seen := map[common.AccountID]struct{}{taker.Account: {}}
	accounts := []common.AccountID{taker.Account}

	l.mu.Lock()
	for _, fill := range fills {
		if ctx, ok := l.restingOrders[fill.MakerOrder.Encode()]; ok {
			if _, dup := seen[ctx.Account]; !dup {
				seen[ctx.Account] = struct{}{}
				accounts = append(accounts, ctx.Account)
			}
		}
	}
	l.mu.Unlock()

	l.runLiquidations(accounts)
}

// runLiquidations force-closes unhealthy accounts and prunes
// side-table entries consumed by the forced orders.
func (l *Loop) runLiquidations(accounts []common.AccountID) {
	orders := l.executor.CheckAndLiquidate(accounts)
	for _, order := range orders {
		if l.metrics != nil {
			market := strconv.Itoa(int(order.Market))
			l.metrics.LiquidationsTriggered.WithLabelValues(market).Inc()
			l.metrics.LiquidationFills.WithLabelValues(market).Add(float64(len(order.Fills)))
		}
		for _, fill := range order.Fills {
			if !l.matcher.HasOrder(fill.MakerOrder) {
				l.mu.Lock()
				delete(l.restingOrders, fill.MakerOrder.Encode())
				l.mu.Unlock()
			}
		}
	}
}

// runFundingCycle recomputes each market's funding from the current
// book mid, pushes the new marks into risk, settles accumulators into
// collateral, then sweeps all accounts for liquidation.
func (l *Loop) runFundingCycle(elapsedSeconds int64) {
	if elapsedSeconds <= 0 {
		elapsedSeconds = 1
	}

	marketIDs := make([]common.MarketID, 0, len(l.config.Markets))
	for _, market := range l.config.Markets {
		marketIDs = append(marketIDs, market.ID)

		indexPrice := market.IndexPrice
		if indexPrice == 0 {
			indexPrice = l.risk.MarkPrice(market.ID)
		}
		midPrice := l.bookMid(market.ID, indexPrice)

		snap := l.funding.UpdateMarket(market.ID, indexPrice, midPrice, elapsedSeconds)
		if snap.MarkPrice != 0 {
			l.risk.SetMarkPrice(market.ID, snap.MarkPrice)
		}
		if l.metrics != nil {
			l.metrics.FundingUpdates.WithLabelValues(strconv.Itoa(int(market.ID))).Inc()
		}
	}

	payments := l.settler.ApplyFunding(marketIDs)
	if l.metrics != nil {
		for _, payment := range payments {
			l.metrics.FundingSettlements.WithLabelValues(strconv.Itoa(int(payment.Market))).Inc()
		}
	}

	l.runLiquidations(l.risk.Accounts())
}

// bookMid returns the midpoint of the best quotes, falling back to
// one-sided tops and then the fallback price on an empty book.
func (l *Loop) bookMid(market common.MarketID, fallback int64) int64 {
	bid, hasBid := l.matcher.BestBid(market)
	ask, hasAsk := l.matcher.BestAsk(market)
	switch {
	case hasBid && hasAsk:
		return (bid.Price + ask.Price) / 2
	case hasBid:
		return bid.Price
	case hasAsk:
		return ask.Price
	default:
		return fallback
	}
}

// takeSnapshot persists the chain counters plus engine state at the
// current WAL position.
func (l *Loop) takeSnapshot(blockNumber uint64) error {
	marketIDs := make([]common.MarketID, 0, len(l.config.Markets))
	for _, market := range l.config.Markets {
		marketIDs = append(marketIDs, market.ID)
	}

	state := captureState(l.risk, l.matcher, marketIDs, l.chainID.Load(), blockNumber)
	sequence := l.wal.NextSequence() - 1

	if err := l.snapshots.Persist(sequence, encodeState(state)); err != nil {
		return fmt.Errorf("engine: snapshot persist: %w", err)
	}
	l.lastSnapshotBlock = blockNumber
	if l.metrics != nil {
		l.metrics.SnapshotTaken.Inc()
		l.metrics.SnapshotLastSeq.Set(float64(sequence))
	}
	l.log.Info().Uint64("sequence", sequence).Uint64("block", blockNumber).Msg("snapshot persisted")
	return nil
}
