package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/observability"
	"PegLedger/internal/state"

	"github.com/rs/zerolog"
)

// DefaultIdempotencyCapacity is the LRU size used when Config leaves it unset.
const DefaultIdempotencyCapacity = 1_000_000

// globalBalanceInterval is how often (in sequences) the full zero-sum check runs.
const globalBalanceInterval = 1000

// DeterministicCore is the single-threaded operation processor. It owns the
// balance ledger and every market aggregate; nothing else may touch them.
type DeterministicCore struct {
	sequence    int64
	hasher      *StateHasher
	balances    *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	arena       *state.Arena
	idempotency *IdempotencyChecker
	blockOrder  *BlockOrderValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type Config struct {
	StartSequence       int64
	IdempotencyCapacity int
}

// OperationResult is what one applied operation did.
type OperationResult struct {
	Sequence        int64
	Created         []state.ObjectRef
	Updated         []state.ObjectRef
	Removed         []state.ObjectRef
	ChangedAccounts []ledger.AccountKey
	// Balances holds the post-operation balance of each changed account
	Balances []ledger.AccountBalance
	Facts    []event.FactRecord
	// Match is set for MatchLimitOrder
	Match *state.MatchOutcome
	// Markets summarizes every market the operation could have touched
	Markets []state.MarketSummary
}

type CoreOutput struct {
	Envelope *event.OperationEnvelope
	Batch    *ledger.Batch
	Result   *OperationResult
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	balances := ledger.NewBalanceTracker()

	return &DeterministicCore{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		balances:       balances,
		validator:      ledger.NewInvariantValidator(balances),
		arena:          state.NewArena(),
		idempotency:    NewIdempotencyChecker(capacity, dbChecker),
		blockOrder:     NewBlockOrderValidator(),
		metrics:        metrics,
		logger:         observability.NewLogger("core"),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// SetLogger replaces the core's logger.
func (c *DeterministicCore) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// ProcessOperation validates, applies and emits one operation. A duplicate
// returns (nil, nil). A rejected operation returns its error and leaves
// every balance and market untouched.
func (c *DeterministicCore) ProcessOperation(op event.Operation) (*OperationResult, error) {
	start := time.Now()
	opType := op.OpType().String()
	idempotencyKey := op.IdempotencyKey()
	block := op.BlockRef()

	isDuplicate := c.idempotency.IsDuplicate(opType, idempotencyKey)

	if err := c.blockOrder.Validate(block, isDuplicate); err != nil {
		c.reject(opType, "out_of_order")
		return nil, fmt.Errorf("block order validation failed: %w", err)
	}
	if isDuplicate {
		c.blockOrder.Advance(block)
		c.reject(opType, "duplicate")
		return nil, nil
	}

	fx := state.NewEffects(ledger.NewBatchBuilder(idempotencyKey, c.sequence, block.Timestamp))
	match, err := c.dispatch(op, block.Timestamp, fx)
	c.blockOrder.Advance(block)
	if err != nil {
		if fx.Batch.Len() > 0 {
			panic(fmt.Sprintf("FATAL: rejected %s emitted %d journal legs", opType, fx.Batch.Len()))
		}
		c.reject(opType, "validation")
		return nil, fmt.Errorf("%s: %w", opType, err)
	}

	batch := fx.Batch.Build()
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balances.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed after validation: %v", err))
		}
	}
	if err := c.postCheckInvariants(batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	facts := event.NewFactRecords(fx.Facts)
	hashStart := time.Now()
	digest := c.computeStateDigest(batch, facts)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(op)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", opType, err))
	}

	envelope := &event.OperationEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		OpType:         op.OpType(),
		Asset:          op.AssetSymbol(),
		Block:          block,
		Payload:        payload,
		Facts:          facts,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	changed := changedAccounts(batch)
	result := &OperationResult{
		Sequence:        c.sequence,
		Created:         fx.Created,
		Updated:         fx.Updated,
		Removed:         fx.Removed,
		ChangedAccounts: changed,
		Balances:        c.balancesOf(changed),
		Facts:           facts,
		Match:           match,
		Markets:         c.marketSummaries(op),
	}
	output := CoreOutput{Envelope: envelope, Batch: batch, Result: result}
	c.sequence++

	// persistence: blocking send, the core stalls until the writer drains
	c.persistChan <- output

	// projections: non-blocking send, they rebuild from the event log
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	c.idempotency.MarkProcessed(opType, idempotencyKey)
	c.observe(opType, batch, facts, start)
	return result, nil
}

func (c *DeterministicCore) reject(opType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreOpsRejected.WithLabelValues(opType, reason).Inc()
		if reason == "out_of_order" {
			c.metrics.BlockOutOfOrder.Inc()
		}
	}
}

// postCheckInvariants validates the ledger and every market after a batch
// was applied.
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch) error {
	if err := c.validator.ValidateTouchedNonNegative(batch); err != nil {
		return fmt.Errorf("post-check non-negative: %w", err)
	}
	if err := c.arena.CheckInvariants(c.balances); err != nil {
		return fmt.Errorf("post-check market: %w", err)
	}
	if c.sequence > 0 && c.sequence%globalBalanceInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, facts []event.FactRecord) []byte {
	d := &stateDigest{buf: make([]byte, 0, 64*len(batch.Journals)+128)}
	d.appendAccounts(batch, c.balances)
	for _, m := range c.arena.Markets() {
		d.appendMarket(m)
	}
	if err := d.appendFacts(facts); err != nil {
		panic(fmt.Sprintf("FATAL: encode facts for state hash: %v", err))
	}
	return d.buf
}

func (c *DeterministicCore) balancesOf(keys []ledger.AccountKey) []ledger.AccountBalance {
	out := make([]ledger.AccountBalance, len(keys))
	for i, key := range keys {
		out[i] = ledger.AccountBalance{Key: key, Balance: c.balances.GetBalance(key)}
	}
	return out
}

// marketSummaries returns the operation's market, or every market for
// operations without one.
func (c *DeterministicCore) marketSummaries(op event.Operation) []state.MarketSummary {
	if symbol := op.AssetSymbol(); symbol != nil {
		if m, err := c.arena.Market(*symbol); err == nil {
			return []state.MarketSummary{m.Summary()}
		}
		return nil
	}
	switch op.(type) {
	case *event.Deposit, *event.Transfer:
		return nil
	}
	markets := c.arena.Markets()
	out := make([]state.MarketSummary, 0, len(markets))
	for _, m := range markets {
		out = append(out, m.Summary())
	}
	return out
}

func changedAccounts(batch *ledger.Batch) []ledger.AccountKey {
	seen := make(map[ledger.AccountKey]struct{})
	var out []ledger.AccountKey
	for _, j := range batch.Journals {
		for _, key := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountPath() < out[j].AccountPath() })
	return out
}

// observe records metrics and logs market state transitions.
func (c *DeterministicCore) observe(opType string, batch *ledger.Batch, facts []event.FactRecord, start time.Time) {
	for _, f := range facts {
		symbol := c.symbol(f.Fact.Market())
		switch fact := f.Fact.(type) {
		case *event.GlobalSettlement:
			c.logger.Warn().
				Str("asset", symbol).
				Str("settlement_price", fact.SettlementPrice.Decimal().String()).
				Int("positions", len(fact.Positions)).
				Int64("settlement_fund", fact.SettlementFund).
				Int64("settlement_debt", fact.SettlementDebt).
				Msg("black swan: asset globally settled")
		case *event.Revival:
			c.logger.Info().
				Str("asset", symbol).
				Int("positions", len(fact.Positions)).
				Msg("globally settled asset revived")
		case *event.FeedExpired:
			c.logger.Info().Str("asset", symbol).Msg("price feed expired")
		}
	}

	if c.metrics == nil {
		return
	}
	c.metrics.CoreOpsApplied.WithLabelValues(opType).Inc()
	c.metrics.CoreOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.Len()))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for _, f := range facts {
		symbol := c.symbol(f.Fact.Market())
		c.metrics.CoreFacts.WithLabelValues(f.Type.String()).Inc()
		switch f.Type {
		case event.FactTypeMarginCallFill:
			c.metrics.MarginCallFills.WithLabelValues(symbol).Inc()
		case event.FactTypeForceSettlementFill:
			c.metrics.SettlementFills.WithLabelValues(symbol).Inc()
		case event.FactTypeGlobalSettlement:
			c.metrics.GlobalSettlements.WithLabelValues(symbol).Inc()
		case event.FactTypeRevival:
			c.metrics.Revivals.WithLabelValues(symbol).Inc()
		case event.FactTypeFeedExpired:
			c.metrics.FeedExpirations.WithLabelValues(symbol).Inc()
		}
	}
	for _, m := range c.arena.Markets() {
		c.metrics.CallPositions.WithLabelValues(m.Symbol).Set(float64(m.Calls.Len()))
		c.metrics.CollateralFeePool.WithLabelValues(m.Symbol).Set(float64(m.AccumulatedCollateralFees))
		c.metrics.SettlementFund.WithLabelValues(m.Symbol).Set(float64(m.SettlementFund))
	}
}

func (c *DeterministicCore) symbol(id ledger.AssetID) string {
	if name, ok := c.arena.Registry.GetAssetName(id); ok {
		return name
	}
	return fmt.Sprintf("%d", id)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the in-memory state needed to resume without replaying
// the whole log.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Arena           state.ArenaSnapshot
	BlockCursor     *event.BlockRef
	IdempotencyKeys []string
}

// RestoreFromSnapshot replaces the core's state with snap.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	arena, err := state.RestoreArena(snap.Arena)
	if err != nil {
		return fmt.Errorf("restore arena: %w", err)
	}
	balances := ledger.NewBalanceTracker()
	for key, balance := range snap.Balances {
		balances.SetBalance(key, balance)
	}
	if err := arena.CheckInvariants(balances); err != nil {
		return fmt.Errorf("snapshot at seq %d inconsistent: %w", snap.Sequence, err)
	}

	c.arena = arena
	c.balances = balances
	c.validator = ledger.NewInvariantValidator(balances)
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	if snap.BlockCursor != nil {
		c.blockOrder.Restore(*snap.BlockCursor)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// EnableDBIdempotency turns on the event-log dedup tier once replay is done.
func (c *DeterministicCore) EnableDBIdempotency(checker DBIdempotencyChecker) {
	c.idempotency.SetDBChecker(checker)
}

// WarmLRU loads recently applied composite keys into the dedup cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balances.Snapshot(),
		Arena:           c.arena.Snapshot(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
	if cursor, ok := c.blockOrder.Cursor(); ok {
		snap.BlockCursor = &cursor
	}
	return snap
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Balance reads one account. Core goroutine only.
func (c *DeterministicCore) Balance(key ledger.AccountKey) int64 {
	return c.balances.GetBalance(key)
}

// Arena exposes the market aggregates. Core goroutine only.
func (c *DeterministicCore) Arena() *state.Arena {
	return c.arena
}
