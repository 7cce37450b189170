// Package placer turns an approved order request into an exchange
// submission: resolving instrument metadata, normalizing price and
// quantity, submitting, and mapping the exchange's response back onto a
// local outcome and Order record.
package placer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/exchange"
	"github.com/oakridge-systems/signalpipeline/gate"
	"github.com/oakridge-systems/signalpipeline/numeric"
	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/types"
)

// marginExecInst is the instrument-specific execution hint the exchange
// expects on the create-order payload for margin trades.
const marginExecInst = "margin-order"

// Request is an approved order, already cleared by the Decision Gate.
type Request struct {
	Symbol         string
	Side           types.Side
	Type           types.OrderType
	NotionalUSD    decimal.Decimal
	LastPrice      decimal.Decimal
	OnMargin       bool
	Leverage       *decimal.Decimal
	SignalKey      string
}

// Placer submits approved orders to the exchange and persists the result.
type Placer struct {
	exchangeClient *exchange.Client
	db             *storage.Database
	instrumentTTL  time.Duration
}

// New constructs a Placer.
func New(client *exchange.Client, db *storage.Database, instrumentTTL time.Duration) *Placer {
	return &Placer{exchangeClient: client, db: db, instrumentTTL: instrumentTTL}
}

// Place resolves instrument metadata, normalizes quantity/price, submits the
// order, and returns the gate.Outcome to record plus the persisted Order id
// on success.
func (p *Placer) Place(ctx context.Context, req Request) (gate.Outcome, *uint) {
	inst, err := p.ResolveInstrument(req.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("instrument metadata unavailable")
		return gate.Outcome{Kind: gate.OutcomeSkipped, Reason: types.ReasonDataMissing, Message: "instrument metadata temporarily unavailable"}, nil
	}

	qtyStr, err := numeric.NormalizeQuantity(req.NotionalUSD.Div(req.LastPrice), inst.QuantityTick, inst.MinQuantity, inst.QuantityDecimals)
	if err != nil {
		return gate.Outcome{Kind: gate.OutcomeFailed, Reason: types.ReasonQuantityBelowMin, Message: err.Error()}, nil
	}

	priceDir := numeric.EntryRounding(string(req.Side))
	priceStr := numeric.NormalizePrice(req.LastPrice, inst.PriceTick, priceDir, inst.PriceDecimals)

	wireReq := exchange.CreateOrderRequest{
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Type:     string(req.Type),
		Price:    priceStr,
		Quantity: qtyStr,
	}
	if req.OnMargin {
		wireReq.ExecInst = marginExecInst
	}
	if req.Leverage != nil {
		wireReq.Leverage = req.Leverage.String()
	}

	wireOrder, err := p.submitWithFormattingRetry(ctx, wireReq, priceDir, inst)
	if err != nil {
		return p.mapSubmissionError(err), nil
	}

	order := types.Order{
		ExchangeOrderID: wireOrder.OrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Role:            types.RoleEntry,
		Status:          mapWireStatus(wireOrder.Status),
		Price:           exchange.MustDecimal(wireOrder.Price),
		Quantity:        exchange.MustDecimal(wireOrder.Quantity),
		FilledQuantity:  exchange.MustDecimal(wireOrder.FilledQuantity),
		SubmittedAt:     time.Now(),
		UpdatedAt:       time.Now(),
		SignalKey:       req.SignalKey,
	}
	id, err := p.db.CreateOrder(order)
	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("failed to persist placed order")
		return gate.Outcome{Kind: gate.OutcomeFailed, Reason: types.ReasonExchangeErrorUnknown, Message: "order placed but local persistence failed"}, nil
	}

	return gate.Outcome{Kind: gate.OutcomeOk, Reason: types.ReasonExecOrderPlaced}, &id
}

// ResolveInstrument returns the cached instrument metadata for symbol,
// refreshing from the exchange and writing through the cache on a miss or
// stale entry. Exported so the monitor loop can resolve the base asset for a
// symbol before building a gate.OrderRequest.
func (p *Placer) ResolveInstrument(symbol string) (types.Instrument, error) {
	if inst, ok, err := p.db.GetInstrument(symbol, p.instrumentTTL); err == nil && ok {
		return inst, nil
	}

	metas, err := p.exchangeClient.GetInstruments(context.Background())
	if err != nil {
		return types.Instrument{}, err
	}
	for _, m := range metas {
		if m.Symbol != symbol {
			continue
		}
		inst := types.Instrument{
			Symbol:           m.Symbol,
			BaseAsset:        m.BaseAsset,
			QuoteAsset:       m.QuoteAsset,
			PriceTick:        exchange.MustDecimal(m.PriceTick),
			QuantityTick:     exchange.MustDecimal(m.QuantityTick),
			MinQuantity:      exchange.MustDecimal(m.MinQuantity),
			PriceDecimals:    m.PriceDecimals,
			QuantityDecimals: m.QtyDecimals,
		}
		if err := p.db.UpsertInstrument(inst); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("failed to cache instrument metadata")
		}
		return inst, nil
	}
	return types.Instrument{}, fmt.Errorf("instrument %s not found", symbol)
}

// submitWithFormattingRetry submits once; on INVALID_PRICE_FORMAT it retries
// once with an alternative trigger-condition formatting variant before
// giving up, per spec.md §4.4. A request without a trigger price is
// resubmitted unchanged on that retry.
func (p *Placer) submitWithFormattingRetry(ctx context.Context, req exchange.CreateOrderRequest, dir numeric.Direction, inst types.Instrument) (exchange.WireOrder, error) {
	wireOrder, err := p.exchangeClient.CreateOrder(ctx, req)
	if err == nil {
		return wireOrder, nil
	}

	apiErr, isAPIErr := err.(*exchange.APIError)
	if !isAPIErr || exchange.Classify(apiErr) != exchange.ErrInvalidPriceFormat {
		return exchange.WireOrder{}, err
	}

	if req.TriggerPrice != "" {
		triggerDir := numeric.TriggerGTE
		if dir == numeric.RoundDown {
			triggerDir = numeric.TriggerLTE
		}
		req.TriggerCondition = numeric.FormatTriggerCondition(triggerDir, req.TriggerPrice, 1)
	}
	return p.exchangeClient.CreateOrder(ctx, req)
}

func (p *Placer) mapSubmissionError(err error) gate.Outcome {
	apiErr, isAPIErr := err.(*exchange.APIError)
	if !isAPIErr {
		return gate.Outcome{Kind: gate.OutcomeFailed, Reason: types.ReasonTimeout, Message: err.Error()}
	}

	classified := exchange.Classify(apiErr)
	switch classified {
	case exchange.ErrAuthentication:
		return gate.Outcome{Kind: gate.OutcomeFailed, Reason: types.ReasonAuthenticationError, Message: apiErr.Error()}
	case exchange.ErrInvalidPriceFormat:
		return gate.Outcome{Kind: gate.OutcomeFailed, Reason: types.ReasonInvalidPriceFormat, Message: apiErr.Error()}
	case exchange.ErrConditionalDisabled:
		return gate.Outcome{Kind: gate.OutcomeBlocked, Reason: types.ReasonExchangeAPIDisabled, Message: apiErr.Error()}
	case exchange.ErrInsufficientFunds:
		return gate.Outcome{Kind: gate.OutcomeFailed, Reason: types.ReasonInsufficientFunds, Message: apiErr.Error()}
	case exchange.ErrRateLimited:
		return gate.Outcome{Kind: gate.OutcomeFailed, Reason: types.ReasonRateLimit, Message: apiErr.Error()}
	default:
		snippet := apiErr.Error()
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return gate.Outcome{
			Kind: gate.OutcomeFailed, Reason: types.ReasonExchangeErrorUnknown, Message: "unrecognized exchange error",
			Context: map[string]interface{}{"raw_snippet": snippet},
		}
	}
}

func mapWireStatus(s string) types.OrderStatus {
	switch s {
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELLED":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartiallyFilled
	case "ACTIVE":
		return types.OrderStatusActive
	default:
		return types.OrderStatusNew
	}
}
