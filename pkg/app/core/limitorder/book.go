// Package limitorder authorizes and executes fills of signed limit, stop-loss
// and take-profit orders against an external perpetual market engine.
package limitorder

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/events"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/orderstate"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

// DefaultMinOrderValue is 100 quote units.
var DefaultMinOrderValue = new(big.Int).Mul(big.NewInt(100), util.One())

// Caller identifies who submitted a fill. Contract callers must be
// whitelisted; externally owned accounts are always allowed.
type Caller struct {
	Address    common.Address
	IsContract bool
}

// EOA returns a non-contract caller.
func EOA(addr common.Address) Caller { return Caller{Address: addr} }

type Config struct {
	Address       common.Address // the book's identity as a delegate
	Owner         common.Address
	Signer        *crypto.EIP712Signer
	States        *orderstate.Store
	ClearingHouse clearing.ClearingHouse
	PriceFeed     clearing.PriceFeed
	Rewards       reward.Sink
	MinOrderValue *big.Int // nil means DefaultMinOrderValue; zero disables the floor
	Whitelist     []common.Address
	Clock         util.Clock
	Height        func() uint64 // current block height for status bookkeeping
	Events        events.Sink
	Logger        *zap.SugaredLogger
}

// Book is the fill authorization engine. Fills and cancels are serialized, so
// a hash is consumed by at most one of them.
type Book struct {
	mu sync.Mutex

	address       common.Address
	owner         common.Address
	signer        *crypto.EIP712Signer
	states        *orderstate.Store
	ch            clearing.ClearingHouse
	feed          clearing.PriceFeed
	rewards       reward.Sink
	minOrderValue *big.Int
	whitelist     map[common.Address]bool
	clock         util.Clock
	height        func() uint64

	events events.Sink
	log    *zap.SugaredLogger
}

func New(cfg Config) (*Book, error) {
	if cfg.Signer == nil {
		return nil, errors.New("limit order book requires an EIP-712 signer")
	}
	if cfg.ClearingHouse == nil || cfg.PriceFeed == nil {
		return nil, errors.New("limit order book requires a clearing house and a price feed")
	}
	if cfg.Owner == (common.Address{}) || cfg.Address == (common.Address{}) {
		return nil, ErrZeroAddressNotAllowed
	}

	b := &Book{
		address:       cfg.Address,
		owner:         cfg.Owner,
		signer:        cfg.Signer,
		states:        cfg.States,
		ch:            cfg.ClearingHouse,
		feed:          cfg.PriceFeed,
		rewards:       cfg.Rewards,
		minOrderValue: new(big.Int).Set(DefaultMinOrderValue),
		whitelist:     make(map[common.Address]bool),
		clock:         cfg.Clock,
		height:        cfg.Height,
		events:        events.OrNop(cfg.Events),
		log:           util.OrNop(cfg.Logger),
	}
	if b.states == nil {
		b.states = orderstate.NewStore(nil)
	}
	if b.rewards == nil {
		b.rewards = reward.NopSink{}
	}
	if cfg.MinOrderValue != nil {
		if cfg.MinOrderValue.Sign() < 0 {
			return nil, errors.New("negative min order value")
		}
		b.minOrderValue.Set(cfg.MinOrderValue)
	}
	if b.clock == nil {
		b.clock = util.RealClock{}
	}
	if b.height == nil {
		b.height = func() uint64 { return 0 }
	}
	for _, addr := range cfg.Whitelist {
		b.whitelist[addr] = true
	}
	return b, nil
}

func (b *Book) Address() common.Address { return b.address }
func (b *Book) Owner() common.Address   { return b.owner }

// Domain is the EIP-712 domain orders must be signed under.
func (b *Book) Domain() crypto.EIP712Domain { return b.signer.Domain() }

// OrderHash returns the order's identity.
func (b *Book) OrderHash(o order.Order) (common.Hash, error) {
	return b.signer.HashOrder(&o)
}

// OrderStatus returns the lifecycle record of hash. Unknown hashes report
// Unfilled.
func (b *Book) OrderStatus(hash common.Hash) (orderstate.Record, error) {
	return b.states.Record(hash)
}

func (b *Book) touch() orderstate.Touch {
	return orderstate.Touch{Height: b.height(), Time: b.clock.Now().Unix()}
}
