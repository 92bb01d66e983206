package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
	domainsvc "signalpipe/internal/domain/service"
	"signalpipe/internal/infrastructure/metrics"
)

// Result is the terminal outcome of processing one WAL entry.
type Result struct {
	Success    bool       `json:"success"`
	Kind       string     `json:"kind,omitempty"` // entry_applied | exit_applied
	Code       model.Code `json:"error_code,omitempty"`
	Message    string     `json:"message,omitempty"`
	LogID      int64      `json:"log_id,omitempty"`
	TradeID    int64      `json:"trade_id,omitempty"`
	PositionID int64      `json:"position_id,omitempty"`
	Retryable  bool       `json:"-"`
}

// Processor turns a validated payload into position/trade mutations. It is
// the only component (besides the recovery sweep) that mutates WAL entries,
// and every mutation it makes to business state happens inside one store
// transaction.
type Processor struct {
	trading    port.TradingRepository
	strategies port.StrategyRepository
	wal        *WalService
	publisher  port.EventPublisher
	sanitizer  *domainsvc.Sanitizer
	clock      domainsvc.Clock
	txTimeout  time.Duration
}

func NewProcessor(
	trading port.TradingRepository,
	strategies port.StrategyRepository,
	wal *WalService,
	publisher port.EventPublisher,
	clock domainsvc.Clock,
	txTimeout time.Duration,
) *Processor {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if clock == nil {
		clock = domainsvc.SystemClock()
	}
	return &Processor{
		trading:    trading,
		strategies: strategies,
		wal:        wal,
		publisher:  publisher,
		sanitizer:  domainsvc.NewSanitizer(),
		clock:      clock,
		txTimeout:  txTimeout,
	}
}

// Process runs the state machine for one WAL entry:
// received -> validated -> {entry-applied | exit-applied | rejected}.
// Malformed input and business-state conflicts are terminal; only store
// failures come back retryable.
func (p *Processor) Process(ctx context.Context, walID, correlationID string, rawPayload []byte) Result {
	claimed, err := p.wal.MarkProcessing(ctx, walID)
	if err != nil {
		return p.transient(ctx, walID, err)
	}
	if !claimed {
		return p.settled(ctx, walID)
	}

	payload, ts, err := p.validate(rawPayload)
	if err != nil {
		return p.rejected(ctx, walID, model.Reject(model.CodeValidation, err))
	}

	strategy, err := p.strategies.Resolve(ctx, payload.Symbol)
	if err != nil {
		return p.transient(ctx, walID, err)
	}
	if strategy == nil {
		return p.rejected(ctx, walID, model.Rejectf(model.CodeUnknownStrategy,
			"no strategy registered for %s", payload.Symbol))
	}
	if !strategy.Active {
		return p.rejected(ctx, walID, model.Rejectf(model.CodeStrategyPaused,
			"strategy %s is paused", payload.Symbol))
	}

	signal, err := p.classify(ctx, payload, ts)
	if err != nil {
		return p.terminal(ctx, walID, err)
	}

	txCtx, cancel := context.WithTimeout(ctx, p.txTimeout)
	defer cancel()

	var res Result
	switch sig := signal.(type) {
	case model.EntrySignal:
		res = p.applyEntry(txCtx, walID, correlationID, strategy, sig)
	case model.ExitSignal:
		res = p.applyExit(txCtx, walID, correlationID, strategy, sig)
	default:
		res = p.rejected(ctx, walID, model.Rejectf(model.CodeInternal, "unhandled signal type %T", signal))
	}
	return res
}

// validate parses the (possibly re-sanitized) payload into its identity
// fields. Replay-window drift is deliberately not re-checked here: retries
// legitimately run long after the original alert fired.
func (p *Processor) validate(raw []byte) (*domainsvc.SanitizedPayload, time.Time, error) {
	payload, err := p.sanitizer.Sanitize(raw)
	if err != nil {
		return nil, time.Time{}, err
	}
	ts, err := domainsvc.ParseSignalTime(payload.TimestampRaw)
	if err != nil {
		return nil, time.Time{}, err
	}
	return payload, ts, nil
}

// classify decides entry vs exit: explicit exit/flat actions are exits;
// buy/sell is inferred from whether an open position already exists, so
// callers need not send market-position hints.
func (p *Processor) classify(ctx context.Context, payload *domainsvc.SanitizedPayload, ts time.Time) (model.Signal, error) {
	isExit := false
	switch payload.Action {
	case "exit", "flat", "close":
		isExit = true
	case "buy", "sell":
		open, err := p.trading.FindOpenPosition(ctx, payload.Symbol)
		if err != nil {
			return nil, err
		}
		isExit = open != nil
	default:
		return nil, model.Rejectf(model.CodeValidation, "unknown action %q", payload.Action)
	}

	if isExit {
		sig := model.ExitSignal{
			Symbol:    payload.Symbol,
			Price:     payload.Price,
			Quantity:  payload.Quantity,
			Timestamp: ts,
			PnL:       payload.PnL,
		}
		sig.Direction = model.DirectionLong
		if payload.Direction != "" {
			dir, err := model.ParseDirection(payload.Direction)
			if err != nil {
				return nil, model.Reject(model.CodeValidation, err)
			}
			sig.Direction = dir
		}
		if payload.EntryPrice != nil {
			sig.EntryPrice = payload.EntryPrice
			if payload.EntryTimeRaw != "" {
				if et, err := domainsvc.ParseSignalTime(payload.EntryTimeRaw); err == nil {
					sig.EntryTime = &et
				}
			}
		}
		return sig, nil
	}

	dirStr := payload.Direction
	if dirStr == "" {
		dirStr = payload.Action // buy -> long, sell -> short
	}
	dir, err := model.ParseDirection(dirStr)
	if err != nil {
		return nil, model.Reject(model.CodeValidation, err)
	}
	return model.EntrySignal{
		Symbol:    payload.Symbol,
		Direction: dir,
		Price:     payload.Price,
		Quantity:  payload.Quantity,
		Timestamp: ts,
	}, nil
}

func (p *Processor) applyEntry(ctx context.Context, walID, correlationID string, strategy *model.Strategy, sig model.EntrySignal) Result {
	app := port.EntryApplication{
		Position: &model.Position{
			StrategyID:      strategy.ID,
			StrategySymbol:  sig.Symbol,
			Direction:       sig.Direction,
			EntryPriceCents: model.ToCents(sig.Price),
			Quantity:        sig.Quantity,
			EntryTime:       sig.Timestamp,
			SourceWalID:     walID,
		},
		Log: &model.WebhookLog{
			WalID:          walID,
			CorrelationID:  correlationID,
			StrategyID:     strategy.ID,
			StrategySymbol: sig.Symbol,
			Action:         "entry",
		},
	}

	positionID, logID, err := p.trading.ApplyEntry(ctx, app)
	if err != nil {
		return p.terminal(ctx, walID, err)
	}

	if err := p.wal.MarkCompleted(ctx, walID, fmt.Sprintf("position:%d", positionID)); err != nil {
		log.Error().Err(err).Str("wal_id", walID).Msg("mark completed failed after entry")
	}
	metrics.SignalsProcessed.WithLabelValues("entry_applied").Inc()

	p.publisher.Publish(ctx, &model.Event{
		Type:           model.EventPositionOpened,
		CorrelationID:  correlationID,
		StrategySymbol: sig.Symbol,
		Direction:      sig.Direction,
		Price:          sig.Price,
		Quantity:       sig.Quantity,
		PositionID:     positionID,
		Timestamp:      p.clock.Now().UTC(),
	})

	return Result{Success: true, Kind: "entry_applied", LogID: logID, PositionID: positionID}
}

func (p *Processor) applyExit(ctx context.Context, walID, correlationID string, strategy *model.Strategy, sig model.ExitSignal) Result {
	logRow := &model.WebhookLog{
		WalID:          walID,
		CorrelationID:  correlationID,
		StrategyID:     strategy.ID,
		StrategySymbol: sig.Symbol,
		Action:         "exit",
	}
	app := port.ExitApplication{
		StrategySymbol: sig.Symbol,
		ExitPriceCents: model.ToCents(sig.Price),
		ExitTime:       sig.Timestamp,
		Log:            logRow,
	}
	if sig.PnL != nil {
		pnl := model.ToCents(*sig.PnL)
		app.OverridePnL = &pnl
	}

	trade, logID, err := p.trading.ApplyExit(ctx, app)
	if err != nil {
		// Deliberate fallback: an exit with no open position but explicit
		// entry data still records a trade, just without a position row.
		if model.CodeOf(err) == model.CodeNoOpenPosition && sig.EntryPrice != nil {
			return p.applySyntheticExit(ctx, walID, correlationID, strategy, sig, logRow)
		}
		return p.terminal(ctx, walID, err)
	}

	if err := p.wal.MarkCompleted(ctx, walID, fmt.Sprintf("trade:%d", trade.ID)); err != nil {
		log.Error().Err(err).Str("wal_id", walID).Msg("mark completed failed after exit")
	}
	metrics.SignalsProcessed.WithLabelValues("exit_applied").Inc()

	p.publisher.Publish(ctx, &model.Event{
		Type:           model.EventTradeClosed,
		CorrelationID:  correlationID,
		StrategySymbol: sig.Symbol,
		Direction:      trade.Direction,
		Price:          sig.Price,
		Quantity:       trade.Quantity,
		PnL:            model.FromCents(trade.PnLCents),
		TradeID:        trade.ID,
		Timestamp:      p.clock.Now().UTC(),
	})

	return Result{Success: true, Kind: "exit_applied", LogID: logID, TradeID: trade.ID}
}

func (p *Processor) applySyntheticExit(ctx context.Context, walID, correlationID string, strategy *model.Strategy, sig model.ExitSignal, logRow *model.WebhookLog) Result {
	entryCents := model.ToCents(*sig.EntryPrice)
	exitCents := model.ToCents(sig.Price)
	pnl := model.ComputePnLCents(sig.Direction, entryCents, exitCents, sig.Quantity)
	if sig.PnL != nil {
		pnl = model.ToCents(*sig.PnL)
	}
	var pnlPercent float64
	if basis := float64(entryCents) * sig.Quantity; basis != 0 {
		pnlPercent = float64(pnl) / basis * 100
	}
	entryTime := sig.Timestamp
	if sig.EntryTime != nil {
		entryTime = *sig.EntryTime
	}

	trade := &model.Trade{
		StrategyID:      strategy.ID,
		EntryDate:       entryTime,
		ExitDate:        sig.Timestamp,
		Direction:       sig.Direction,
		EntryPriceCents: entryCents,
		ExitPriceCents:  exitCents,
		Quantity:        sig.Quantity,
		PnLCents:        pnl,
		PnLPercent:      pnlPercent,
	}
	logRow.Detail = "synthetic trade: no open position, caller supplied entry"

	tradeID, logID, err := p.trading.InsertSyntheticTrade(ctx, trade, logRow)
	if err != nil {
		return p.terminal(ctx, walID, err)
	}

	if err := p.wal.MarkCompleted(ctx, walID, fmt.Sprintf("trade:%d", tradeID)); err != nil {
		log.Error().Err(err).Str("wal_id", walID).Msg("mark completed failed after synthetic exit")
	}
	metrics.SignalsProcessed.WithLabelValues("exit_applied").Inc()

	p.publisher.Publish(ctx, &model.Event{
		Type:           model.EventTradeClosed,
		CorrelationID:  correlationID,
		StrategySymbol: sig.Symbol,
		Direction:      sig.Direction,
		Price:          sig.Price,
		Quantity:       sig.Quantity,
		PnL:            model.FromCents(pnl),
		TradeID:        tradeID,
		Timestamp:      p.clock.Now().UTC(),
	})

	return Result{Success: true, Kind: "exit_applied", LogID: logID, TradeID: tradeID}
}

// settled resolves a redelivered walID whose entry could not be claimed.
// Terminal entries are acknowledged without re-running the transaction so a
// stale retry item or doubled delivery cannot re-apply the signal; an entry
// still in flight is left to its current owner.
func (p *Processor) settled(ctx context.Context, walID string) Result {
	entry, err := p.wal.Get(ctx, walID)
	if err != nil {
		return Result{Code: model.CodeOf(err), Message: err.Error(), Retryable: model.IsRetryable(err)}
	}
	if entry == nil {
		return Result{Code: model.CodeValidation, Message: "unknown wal entry " + walID}
	}
	switch entry.Status {
	case model.WalCompleted:
		log.Info().Str("wal_id", walID).Str("result_ref", entry.ResultRef).Msg("entry already completed, skipping")
		return Result{Success: true, Kind: "already_applied", Message: entry.ResultRef}
	case model.WalFailed:
		return Result{Code: model.CodeValidation, Message: "entry already failed: " + entry.ErrorMessage}
	default:
		return Result{Code: model.CodeStoreError, Message: "wal entry " + walID + " is in flight", Retryable: true}
	}
}

// terminal routes an error to rejected or transient based on its typed
// retry classification.
func (p *Processor) terminal(ctx context.Context, walID string, err error) Result {
	if model.IsRetryable(err) {
		return p.transient(ctx, walID, err)
	}
	return p.rejected(ctx, walID, err)
}

func (p *Processor) rejected(ctx context.Context, walID string, err error) Result {
	if markErr := p.wal.MarkFailed(ctx, walID, err.Error()); markErr != nil {
		log.Error().Err(markErr).Str("wal_id", walID).Msg("mark failed failed")
	}
	metrics.SignalsProcessed.WithLabelValues("rejected").Inc()
	return Result{Code: model.CodeOf(err), Message: err.Error()}
}

func (p *Processor) transient(ctx context.Context, walID string, err error) Result {
	if markErr := p.wal.MarkRetrying(ctx, walID, err.Error()); markErr != nil {
		log.Error().Err(markErr).Str("wal_id", walID).Msg("mark retrying failed")
	}
	metrics.SignalsProcessed.WithLabelValues("retrying").Inc()
	return Result{Code: model.CodeOf(err), Message: err.Error(), Retryable: true}
}
