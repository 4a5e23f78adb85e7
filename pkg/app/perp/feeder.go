package perp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

// OrderSink receives signed orders, usually a keeper watcher.
type OrderSink interface {
	AddOrder(ctx context.Context, o order.Order, sig []byte, height uint64) (common.Hash, error)
}

// TxSink receives node-local transactions, usually the app mempool.
type TxSink interface {
	PushLocal(tx *transaction.SignedTransaction) (common.Hash, error)
}

// Feed is a price feed that can also report its newest round.
type Feed interface {
	clearing.PriceFeed
	clearing.RoundSource
}

// FeederConfig controls devnet order and price generation.
type FeederConfig struct {
	Interval      time.Duration // how often a batch is generated
	OrdersPerTick int
	NumAccounts   int // simulated traders
	Markets       []common.Address

	Collateral *big.Int      // deposited per trader at start
	OrderValue *big.Int      // quote value of each order
	Volatility float64       // std dev of each price step, as a fraction
	Spread     float64       // max distance of limit and trigger prices from spot
	TTL        time.Duration // order deadline from now
	Seed       int64         // 0 seeds from the wall clock
}

// DefaultFeederConfig returns modest devnet load.
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		Interval:      time.Second,
		OrdersPerTick: 5,
		NumAccounts:   20,
		Collateral:    util.MustParseUnits("100000"),
		OrderValue:    util.MustParseUnits("500"),
		Volatility:    0.002,
		Spread:        0.01,
		TTL:           10 * time.Minute,
	}
}

// HighLoadFeederConfig returns a config for stress testing the keeper.
func HighLoadFeederConfig() FeederConfig {
	cfg := DefaultFeederConfig()
	cfg.Interval = 100 * time.Millisecond
	cfg.OrdersPerTick = 50
	cfg.NumAccounts = 200
	return cfg
}

// FeederDeps are the devnet components the feeder drives.
type FeederDeps struct {
	Signer        *crypto.EIP712Signer
	ClearingHouse *ClearingHouse
	Approvals     *DelegateApprovals
	Feed          Feed
	Book          common.Address // delegate traders approve
	Orders        OrderSink
	Txs           TxSink
	Clock         util.Clock
	Height        func() uint64
	Logger        *zap.SugaredLogger
}

// OrderFeeder simulates traders: it funds them, approves the book as their
// delegate, signs random limit, stop-loss and take-profit orders and walks
// the oracle price so conditional orders eventually fire.
type OrderFeeder struct {
	cfg     FeederConfig
	deps    FeederDeps
	traders []*crypto.Signer
	rng     *rand.Rand
	log     *zap.SugaredLogger

	generated int
	rejected  int
}

func NewOrderFeeder(cfg FeederConfig, deps FeederDeps) (*OrderFeeder, error) {
	if deps.Signer == nil || deps.ClearingHouse == nil || deps.Approvals == nil || deps.Feed == nil {
		return nil, errors.New("order feeder requires a signer, clearing house, approvals and feed")
	}
	if len(cfg.Markets) == 0 {
		return nil, errors.New("order feeder requires at least one market")
	}
	def := DefaultFeederConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OrdersPerTick <= 0 {
		cfg.OrdersPerTick = def.OrdersPerTick
	}
	if cfg.NumAccounts <= 0 {
		cfg.NumAccounts = def.NumAccounts
	}
	if cfg.Collateral == nil {
		cfg.Collateral = def.Collateral
	}
	if cfg.OrderValue == nil {
		cfg.OrderValue = def.OrderValue
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Height == nil {
		deps.Height = func() uint64 { return 0 }
	}

	f := &OrderFeeder{
		cfg:  cfg,
		deps: deps,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		log:  util.OrNop(deps.Logger),
	}
	for i := 0; i < cfg.NumAccounts; i++ {
		s, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate trader key: %w", err)
		}
		if err := deps.ClearingHouse.Deposit(s.Address(), cfg.Collateral); err != nil {
			return nil, err
		}
		deps.Approvals.Approve(s.Address(), deps.Book, clearing.ActionOpenPosition)
		f.traders = append(f.traders, s)
	}
	return f, nil
}

// Traders returns the simulated trader keys.
func (f *OrderFeeder) Traders() []*crypto.Signer { return f.traders }

// GenerateOrder signs a random order on market from a random trader.
// Markets whose feed has no rounds only get limit orders.
func (f *OrderFeeder) GenerateOrder(ctx context.Context, market common.Address) (order.Order, []byte, error) {
	spot, err := f.deps.Feed.LatestPrice(ctx, market)
	if err != nil {
		return order.Order{}, nil, err
	}
	trader := f.traders[f.rng.Intn(len(f.traders))]
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return order.Order{}, nil, err
	}

	o := order.Order{
		Type:              order.LimitOrder,
		Salt:              salt,
		Trader:            trader.Address(),
		Market:            market,
		IsBaseToQuote:     f.rng.Intn(2) == 1,
		IsExactInput:      true,
		Deadline:          big.NewInt(f.deps.Clock.Now().Add(f.cfg.TTL).Unix()),
		SqrtPriceLimitX96: new(big.Int),
	}

	// 60% limit, 20% stop loss, 20% take profit
	if round, err := f.deps.Feed.LatestRound(ctx, market); err == nil {
		switch r := f.rng.Intn(100); {
		case r >= 80:
			o.Type = order.TakeProfitLimitOrder
		case r >= 60:
			o.Type = order.StopLossLimitOrder
		}
		o.RoundIDWhenCreated = round
	}

	offset := f.rng.Float64() * f.cfg.Spread
	limit := spot
	switch o.Type {
	case order.LimitOrder:
		// Resting limits sit on the passive side of spot.
		if o.IsLong() {
			limit = scale(spot, -offset)
		} else {
			limit = scale(spot, offset)
		}
	case order.StopLossLimitOrder:
		o.TriggerPrice = stopTrigger(spot, offset, o.IsLong())
		limit = scale(o.TriggerPrice, slack(o.IsLong(), f.cfg.Spread))
	case order.TakeProfitLimitOrder:
		o.TriggerPrice = stopTrigger(spot, offset, !o.IsLong())
		limit = scale(o.TriggerPrice, slack(o.IsLong(), f.cfg.Spread))
	}

	if o.IsLong() {
		// Spend OrderValue quote, receive at least OrderValue/limit base.
		o.Amount = new(big.Int).Set(f.cfg.OrderValue)
		o.OppositeAmountBound = util.DivMul18(f.cfg.OrderValue, limit)
	} else {
		// Sell OrderValue/spot base, receive at least base*limit quote.
		o.Amount = util.DivMul18(f.cfg.OrderValue, spot)
		o.OppositeAmountBound = util.MulDiv18(o.Amount, limit)
	}

	sig, err := f.deps.Signer.SignOrder(trader, &o)
	if err != nil {
		return order.Order{}, nil, fmt.Errorf("failed to sign order: %w", err)
	}
	return o, sig, nil
}

// NextPrice takes one random-walk step from the market's latest price.
func (f *OrderFeeder) NextPrice(ctx context.Context, market common.Address) (*big.Int, error) {
	spot, err := f.deps.Feed.LatestPrice(ctx, market)
	if err != nil {
		return nil, err
	}
	next := scale(spot, f.rng.NormFloat64()*f.cfg.Volatility)
	if next.Sign() <= 0 {
		next = big.NewInt(1)
	}
	return next, nil
}

// Tick publishes one price step per market and feeds a batch of orders.
func (f *OrderFeeder) Tick(ctx context.Context) error {
	for _, m := range f.cfg.Markets {
		if f.deps.Txs == nil {
			break
		}
		p, err := f.NextPrice(ctx, m)
		if err != nil {
			f.log.Warnw("feeder_price_failed", "market", m.Hex(), "err", err)
			continue
		}
		if _, err := f.deps.Txs.PushLocal(transaction.NewPrice(m, p)); err != nil {
			f.log.Debugw("feeder_price_dropped", "market", m.Hex(), "err", err)
		}
	}

	if f.deps.Orders == nil {
		return nil
	}
	for i := 0; i < f.cfg.OrdersPerTick; i++ {
		m := f.cfg.Markets[f.rng.Intn(len(f.cfg.Markets))]
		o, sig, err := f.GenerateOrder(ctx, m)
		if err != nil {
			return err
		}
		f.generated++
		if _, err := f.deps.Orders.AddOrder(ctx, o, sig, f.deps.Height()); err != nil {
			f.rejected++
			f.log.Debugw("feeder_order_rejected", "type", o.Type.String(), "err", err)
		}
	}
	return nil
}

// Start runs Tick every Interval in the background. The returned function
// stops it.
func (f *OrderFeeder) Start(ctx context.Context) context.CancelFunc {
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(f.cfg.Interval)
		defer ticker.Stop()

		start := time.Now()
		lastStats := start
		f.log.Infow("feeder_started",
			"orders_per_tick", f.cfg.OrdersPerTick, "interval", f.cfg.Interval,
			"accounts", len(f.traders), "markets", len(f.cfg.Markets))

		for {
			select {
			case <-feedCtx.Done():
				elapsed := time.Since(start)
				f.log.Infow("feeder_stopped", "generated", f.generated, "rejected", f.rejected,
					"elapsed", elapsed.Round(time.Second).String())
				return
			case <-ticker.C:
				if err := f.Tick(feedCtx); err != nil {
					f.log.Warnw("feeder_tick_failed", "err", err)
				}
				if time.Since(lastStats) >= 10*time.Second {
					lastStats = time.Now()
					elapsed := time.Since(start).Seconds()
					f.log.Infow("feeder_stats", "generated", f.generated, "rejected", f.rejected,
						"rate", fmt.Sprintf("%.1f/s", float64(f.generated)/elapsed))
				}
			}
		}
	}()

	return cancel
}

// scale returns v*(1+frac).
func scale(v *big.Int, frac float64) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(decimal.NewFromFloat(1 + frac)).BigInt()
}

// stopTrigger puts the trigger on the side price must move to for the order
// to fire: above spot when above is true, below otherwise.
func stopTrigger(spot *big.Int, offset float64, above bool) *big.Int {
	if above {
		return scale(spot, offset)
	}
	return scale(spot, -offset)
}

// slack widens a conditional order's limit past its trigger so it still
// fills once the price has moved through it.
func slack(long bool, spread float64) float64 {
	if long {
		return spread
	}
	return -spread
}
