package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	FactsStream        = "PEG_FACTS"
	FactsSubjectPrefix = "peg.facts."
)

// OutboundPublisher publishes facts to NATS for downstream consumers on
// peg.facts.{fact_type}.{asset}. Facts are published after the projection
// commit, so a consumer that sees a fact can also query it.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableFact
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableFact is one fact with its replay key (block_height, op_index, index).
type PublishableFact struct {
	Sequence    int64      `json:"sequence"`
	BlockHeight int64      `json:"block_height"`
	OpIndex     int32      `json:"op_index"`
	Index       int        `json:"index"`
	FactType    string     `json:"fact_type"`
	Asset       string     `json:"asset"`
	Fact        event.Fact `json:"fact"`
	StateHash   string     `json:"state_hash"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Subject returns the NATS subject of the fact.
func (f PublishableFact) Subject() string {
	return fmt.Sprintf("%s%s.%s", FactsSubjectPrefix, f.FactType, f.Asset)
}

// MsgID is the JetStream dedup id.
func (f PublishableFact) MsgID() string {
	return strconv.FormatInt(f.Sequence, 10) + "/" + strconv.Itoa(f.Index)
}

// NewPublishableFacts flattens the facts of one core output. Asset symbols
// come from the market summaries attached to the result.
func NewPublishableFacts(out core.CoreOutput) []PublishableFact {
	env := out.Envelope
	if env == nil || len(env.Facts) == 0 {
		return nil
	}
	symbols := make(map[uint16]string)
	if out.Result != nil {
		for _, m := range out.Result.Markets {
			symbols[m.AssetID] = m.Symbol
		}
	}

	facts := make([]PublishableFact, 0, len(env.Facts))
	for _, rec := range env.Facts {
		id := uint16(rec.Fact.Market())
		symbol, ok := symbols[id]
		if !ok {
			symbol = strconv.Itoa(int(id))
		}
		facts = append(facts, PublishableFact{
			Sequence:    env.Sequence,
			BlockHeight: env.Block.Height,
			OpIndex:     env.Block.OpIndex,
			Index:       rec.Index,
			FactType:    rec.Type.String(),
			Asset:       symbol,
			Fact:        rec.Fact,
			StateHash:   hex.EncodeToString(env.StateHash[:]),
			Timestamp:   env.Block.Time().UTC(),
		})
	}
	return facts
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableFact, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input closes. Failures are
// logged and skipped; consumers can catch up from the query API.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case fact, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, fact); err != nil {
				op.logger.Warn().Err(err).
					Int64("sequence", fact.Sequence).
					Int("index", fact.Index).
					Msg("outbound publish failed")
				continue
			}
			if op.metrics != nil {
				op.metrics.FactsPublished.WithLabelValues(fact.FactType).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, fact PublishableFact) error {
	data, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("marshal fact: %w", err)
	}
	_, err = op.js.Publish(ctx, fact.Subject(), data, jetstream.WithMsgID(fact.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound facts stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       FactsStream,
		Subjects:   []string{FactsSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
