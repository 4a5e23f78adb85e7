// Package clearing declares the external collaborators the order book
// trades through: the perpetual market engine, the delegation registry and
// price oracles. None of them are implemented here.
package clearing

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrRoundLookupUnsupported is returned by feeds that only expose their
// latest price and cannot answer historical round queries.
var ErrRoundLookupUnsupported = errors.New("price feed does not support round lookup")

// OpenPositionParams mirrors the market engine's open-position call.
type OpenPositionParams struct {
	Market              common.Address
	IsBaseToQuote       bool
	IsExactInput        bool
	Amount              *big.Int
	OppositeAmountBound *big.Int
	Deadline            *big.Int
	SqrtPriceLimitX96   *big.Int
	ReferralCode        common.Hash
}

// PositionResult is what the engine reports after a successful trade.
// Sizes and notionals are signed from the trader's point of view.
type PositionResult struct {
	ExchangedSize     *big.Int
	ExchangedNotional *big.Int
	Fee               *big.Int
}

// ClearingHouse executes trades and reports taker positions.
type ClearingHouse interface {
	// OpenPositionFor trades for trader with delegate as the caller. The
	// engine itself checks that trader approved delegate.
	OpenPositionFor(ctx context.Context, trader, delegate common.Address, params OpenPositionParams) (PositionResult, error)
	TakerPositionSize(ctx context.Context, trader, market common.Address) (*big.Int, error)
	TakerOpenNotional(ctx context.Context, trader, market common.Address) (*big.Int, error)
}

// Quoter previews a trade without executing it. The result is what
// OpenPositionFor would report for the same params and market state.
type Quoter interface {
	QuoteOpenPosition(ctx context.Context, trader common.Address, params OpenPositionParams) (PositionResult, error)
}

// Action is a bit in a delegation approval.
type Action uint8

const ActionOpenPosition Action = 1 << 0

// DelegateApproval answers whether trader allowed delegate to act for them.
type DelegateApproval interface {
	IsApproved(trader, delegate common.Address, action Action) bool
}

// PriceFeed returns 18-decimal prices for a market.
type PriceFeed interface {
	PriceAtRound(ctx context.Context, market common.Address, roundID *big.Int) (*big.Int, error)
	LatestPrice(ctx context.Context, market common.Address) (*big.Int, error)
}

// RoundSource is implemented by feeds that can report their newest round.
// Keepers use it to pick the round they submit with conditional orders.
type RoundSource interface {
	LatestRound(ctx context.Context, market common.Address) (*big.Int, error)
}
