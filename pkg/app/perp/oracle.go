package perp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/trigger"
)

var (
	ErrUnknownMarket = errors.New("unknown market")
	ErrUnknownRound  = errors.New("unknown round")
	ErrReadOnlyFeed  = errors.New("feed does not accept published prices")
)

// Round is one oracle observation.
type Round struct {
	ID        *big.Int `json:"id"`
	Price     *big.Int `json:"price"`
	UpdatedAt int64    `json:"updatedAt"`
}

// RoundFeed keeps every published round, like an aggregator proxy. Round
// ids carry the phase above a 64-bit aggregator round.
type RoundFeed struct {
	mu     sync.RWMutex
	phase  uint16
	rounds map[common.Address][]Round
}

func NewRoundFeed(phase uint16) *RoundFeed {
	if phase == 0 {
		phase = 1
	}
	return &RoundFeed{phase: phase, rounds: make(map[common.Address][]Round)}
}

// PublishPrice appends a round for market and returns its id.
func (f *RoundFeed) PublishPrice(market common.Address, price *big.Int, at time.Time) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price: %v", price)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rounds := f.rounds[market]
	id := trigger.ComputeRoundID(f.phase, uint64(len(rounds))+1)
	f.rounds[market] = append(rounds, Round{ID: id, Price: new(big.Int).Set(price), UpdatedAt: at.Unix()})
	return new(big.Int).Set(id), nil
}

func (f *RoundFeed) PriceAtRound(_ context.Context, market common.Address, roundID *big.Int) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rounds, ok := f.rounds[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	idx, ok := f.indexOf(roundID)
	if !ok || idx >= uint64(len(rounds)) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRound, roundID)
	}
	return new(big.Int).Set(rounds[idx].Price), nil
}

func (f *RoundFeed) LatestPrice(_ context.Context, market common.Address) (*big.Int, error) {
	r, err := f.latest(market)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(r.Price), nil
}

func (f *RoundFeed) LatestRound(_ context.Context, market common.Address) (*big.Int, error) {
	r, err := f.latest(market)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(r.ID), nil
}

func (f *RoundFeed) latest(market common.Address) (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rounds := f.rounds[market]
	if len(rounds) == 0 {
		return Round{}, fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	return rounds[len(rounds)-1], nil
}

// indexOf maps a round id of this feed's phase to its slice index.
func (f *RoundFeed) indexOf(roundID *big.Int) (uint64, bool) {
	if roundID == nil || roundID.Sign() <= 0 {
		return 0, false
	}
	phase := new(big.Int).Rsh(roundID, 64)
	if !phase.IsUint64() || phase.Uint64() != uint64(f.phase) {
		return 0, false
	}
	agg := new(big.Int).And(roundID, new(big.Int).SetUint64(^uint64(0))).Uint64()
	if agg == 0 {
		return 0, false
	}
	return agg - 1, true
}

// LatestOnlyFeed reports a spot price and cannot answer historical rounds,
// so conditional orders on its markets can never fire.
type LatestOnlyFeed struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
}

func NewLatestOnlyFeed() *LatestOnlyFeed {
	return &LatestOnlyFeed{prices: make(map[common.Address]*big.Int)}
}

func (f *LatestOnlyFeed) PublishPrice(market common.Address, price *big.Int, _ time.Time) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price: %v", price)
	}
	f.mu.Lock()
	f.prices[market] = new(big.Int).Set(price)
	f.mu.Unlock()
	return new(big.Int), nil
}

func (f *LatestOnlyFeed) PriceAtRound(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return nil, clearing.ErrRoundLookupUnsupported
}

func (f *LatestOnlyFeed) LatestPrice(_ context.Context, market common.Address) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	return new(big.Int).Set(p), nil
}

// Publisher is a feed that accepts new prices.
type Publisher interface {
	PublishPrice(market common.Address, price *big.Int, at time.Time) (*big.Int, error)
}

// FeedRouter dispatches each market to its own feed.
type FeedRouter struct {
	mu    sync.RWMutex
	feeds map[common.Address]clearing.PriceFeed
}

func NewFeedRouter() *FeedRouter {
	return &FeedRouter{feeds: make(map[common.Address]clearing.PriceFeed)}
}

// Route sets the feed for market.
func (r *FeedRouter) Route(market common.Address, feed clearing.PriceFeed) {
	r.mu.Lock()
	r.feeds[market] = feed
	r.mu.Unlock()
}

// Markets returns every routed market.
func (r *FeedRouter) Markets() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.feeds))
	for m := range r.feeds {
		out = append(out, m)
	}
	return out
}

func (r *FeedRouter) feed(market common.Address) (clearing.PriceFeed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	return f, nil
}

func (r *FeedRouter) PriceAtRound(ctx context.Context, market common.Address, roundID *big.Int) (*big.Int, error) {
	f, err := r.feed(market)
	if err != nil {
		return nil, err
	}
	return f.PriceAtRound(ctx, market, roundID)
}

func (r *FeedRouter) LatestPrice(ctx context.Context, market common.Address) (*big.Int, error) {
	f, err := r.feed(market)
	if err != nil {
		return nil, err
	}
	return f.LatestPrice(ctx, market)
}

// LatestRound fails with clearing.ErrRoundLookupUnsupported for markets on
// latest-only feeds.
func (r *FeedRouter) LatestRound(ctx context.Context, market common.Address) (*big.Int, error) {
	f, err := r.feed(market)
	if err != nil {
		return nil, err
	}
	rs, ok := f.(clearing.RoundSource)
	if !ok {
		return nil, clearing.ErrRoundLookupUnsupported
	}
	return rs.LatestRound(ctx, market)
}

func (r *FeedRouter) PublishPrice(market common.Address, price *big.Int, at time.Time) (*big.Int, error) {
	f, err := r.feed(market)
	if err != nil {
		return nil, err
	}
	p, ok := f.(Publisher)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyFeed, market.Hex())
	}
	return p.PublishPrice(market, price, at)
}

var (
	_ clearing.PriceFeed   = (*RoundFeed)(nil)
	_ clearing.RoundSource = (*RoundFeed)(nil)
	_ clearing.PriceFeed   = (*LatestOnlyFeed)(nil)
	_ clearing.PriceFeed   = (*FeedRouter)(nil)
	_ clearing.RoundSource = (*FeedRouter)(nil)
)
