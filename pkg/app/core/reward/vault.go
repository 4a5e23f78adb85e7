package reward

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/events"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

var (
	ErrNotOwner                  = errors.New("caller is not the vault owner")
	ErrZeroAddressNotAllowed     = errors.New("zero address not allowed")
	ErrZeroRewardAmount          = errors.New("reward amount must be greater than zero")
	ErrInsufficientVaultBalance  = errors.New("withdraw amount exceeds vault balance")
	ErrInsufficientRewardBalance = errors.New("vault balance below reward amount")
	ErrCallerNotAuthorizedEngine = errors.New("caller is not the authorized fill engine")
	ErrRewardAlreadyRecorded     = errors.New("reward already recorded for order")
	ErrRewardReserved            = errors.New("reward reserved for a fill in progress")
)

// Policy decides what a fill sees when the vault cannot pay.
type Policy uint8

const (
	// PolicyGraceful lets the fill succeed and records an Undisbursed event.
	PolicyGraceful Policy = iota
	// PolicyStrict fails the fill before any effect and disallows a zero
	// reward amount.
	PolicyStrict
)

func (p Policy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "graceful"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "graceful":
		return PolicyGraceful, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return PolicyGraceful, fmt.Errorf("unknown reward policy %q", s)
	}
}

// Outcome is the result of one disbursement attempt.
type Outcome uint8

const (
	OutcomePaid Outcome = iota
	OutcomeSkipped
	OutcomeInsufficient
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaid:
		return "paid"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeInsufficient:
		return "insufficient"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "paid":
		*o = OutcomePaid
	case "skipped":
		*o = OutcomeSkipped
	case "insufficient":
		*o = OutcomeInsufficient
	default:
		return fmt.Errorf("unknown reward outcome %q", b)
	}
	return nil
}

// Sink pays keepers for fills.
type Sink interface {
	Disburse(ctx context.Context, caller, keeper common.Address, orderHash common.Hash) (Outcome, error)
}

// Preflighter is implemented by sinks that can refuse a fill up front, before
// the trade executes.
type Preflighter interface {
	Preflight(orderHash common.Hash) error
}

// Reserver is implemented by sinks that hold a fill's reward between the
// up-front check and Disburse. release drops a hold Disburse did not consume.
type Reserver interface {
	Reserve(orderHash common.Hash) (release func(), err error)
}

// NopSink never pays.
type NopSink struct{}

func (NopSink) Disburse(context.Context, common.Address, common.Address, common.Hash) (Outcome, error) {
	return OutcomeSkipped, nil
}

// Record is the reward bookkeeping for one filled order.
type Record struct {
	OrderHash common.Hash    `json:"orderHash"`
	Keeper    common.Address `json:"keeper"`
	Token     common.Address `json:"token"`
	Amount    *big.Int       `json:"amount"`
	Outcome   Outcome        `json:"outcome"`
}

// RecordBackend persists reward records. LoadReward returns nil, nil when no
// record exists.
type RecordBackend interface {
	LoadReward(orderHash common.Hash) (*Record, error)
	SaveReward(rec *Record) error
}

type memoryRecords struct {
	mu      sync.RWMutex
	records map[common.Hash]Record
}

func NewMemoryRecords() RecordBackend {
	return &memoryRecords{records: make(map[common.Hash]Record)}
}

func (m *memoryRecords) LoadReward(h common.Hash) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[h]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memoryRecords) SaveReward(rec *Record) error {
	m.mu.Lock()
	m.records[rec.OrderHash] = *rec
	m.mu.Unlock()
	return nil
}

type Config struct {
	Address    common.Address // the vault's own token account
	Owner      common.Address
	FillEngine common.Address
	Token      common.Address
	Amount     *big.Int
	Policy     Policy
	Ledger     Ledger
	Records    RecordBackend
	Events     events.Sink
	Logger     *zap.SugaredLogger
}

// Vault holds reward tokens and pays a fixed amount to the keeper of each
// fill. Only the configured fill engine can trigger payments.
type Vault struct {
	mu sync.Mutex

	address    common.Address
	owner      common.Address
	fillEngine common.Address
	token      common.Address
	amount     *big.Int
	policy     Policy

	// reserved holds strict-policy rewards for fills in progress; held is
	// their sum and is excluded from what Withdraw can move.
	reserved map[common.Hash]*big.Int
	held     *big.Int

	ledger  Ledger
	records RecordBackend
	events  events.Sink
	log     *zap.SugaredLogger
}

func NewVault(cfg Config) (*Vault, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("reward vault requires a ledger")
	}
	if cfg.Owner == (common.Address{}) || cfg.FillEngine == (common.Address{}) || cfg.Token == (common.Address{}) {
		return nil, ErrZeroAddressNotAllowed
	}
	amount := new(big.Int)
	if cfg.Amount != nil {
		amount.Set(cfg.Amount)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative reward amount: %s", amount)
	}
	if cfg.Policy == PolicyStrict && amount.Sign() == 0 {
		return nil, ErrZeroRewardAmount
	}
	if cfg.Records == nil {
		cfg.Records = NewMemoryRecords()
	}

	return &Vault{
		address:    cfg.Address,
		owner:      cfg.Owner,
		fillEngine: cfg.FillEngine,
		token:      cfg.Token,
		amount:     amount,
		policy:     cfg.Policy,
		reserved:   make(map[common.Hash]*big.Int),
		held:       new(big.Int),
		ledger:     cfg.Ledger,
		records:    cfg.Records,
		events:     events.OrNop(cfg.Events),
		log:        util.OrNop(cfg.Logger),
	}, nil
}

// Disburse pays the current reward amount to keeper for orderHash.
//
// Graceful policy: a zero amount is skipped and a short balance emits
// Undisbursed; neither is an error. Strict policy: a short balance fails with
// ErrInsufficientRewardBalance and nothing is recorded.
func (v *Vault) Disburse(_ context.Context, caller, keeper common.Address, orderHash common.Hash) (Outcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.fillEngine {
		return OutcomeSkipped, fmt.Errorf("%w: %s", ErrCallerNotAuthorizedEngine, caller.Hex())
	}
	if err := v.checkUnrecordedLocked(orderHash); err != nil {
		return OutcomeSkipped, err
	}

	amount := new(big.Int).Set(v.amount)
	if held := v.unreserveLocked(orderHash); held != nil {
		amount = held
	}
	if amount.Sign() == 0 {
		return OutcomeSkipped, v.saveLocked(orderHash, keeper, amount, OutcomeSkipped)
	}

	balance := v.availableLocked()
	if balance.Cmp(amount) < 0 {
		if v.policy == PolicyStrict {
			return OutcomeInsufficient, fmt.Errorf("%w: balance %s, reward %s", ErrInsufficientRewardBalance, balance, amount)
		}
		if err := v.saveLocked(orderHash, keeper, amount, OutcomeInsufficient); err != nil {
			return OutcomeInsufficient, err
		}
		v.events.Emit(Undisbursed{
			OrderHash: orderHash,
			Keeper:    keeper,
			Token:     v.token,
			Amount:    amount,
			Balance:   balance,
			Shortfall: new(big.Int).Sub(amount, balance),
		})
		v.log.Warnw("reward_undisbursed", "order", orderHash.Hex(), "keeper", keeper.Hex(),
			"amount", amount.String(), "balance", balance.String())
		return OutcomeInsufficient, nil
	}

	if err := v.ledger.Transfer(v.token, v.address, keeper, amount); err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to transfer reward: %w", err)
	}
	if err := v.saveLocked(orderHash, keeper, amount, OutcomePaid); err != nil {
		return OutcomePaid, err
	}
	v.events.Emit(Disbursed{OrderHash: orderHash, Keeper: keeper, Token: v.token, Amount: amount})
	v.log.Infow("reward_disbursed", "order", orderHash.Hex(), "keeper", keeper.Hex(), "amount", amount.String())
	return OutcomePaid, nil
}

// Preflight reports whether a fill of orderHash would be refused by this
// vault. Only the strict policy ever refuses for lack of funds.
func (v *Vault) Preflight(orderHash common.Hash) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkUnrecordedLocked(orderHash); err != nil {
		return err
	}
	if v.policy != PolicyStrict {
		return nil
	}
	return v.checkFundedLocked()
}

// Reserve holds the reward for orderHash until Disburse consumes it or
// release drops it. Under the strict policy held funds cannot be withdrawn,
// so a reserved fill is always paid. Other policies hold nothing.
func (v *Vault) Reserve(orderHash common.Hash) (func(), error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkUnrecordedLocked(orderHash); err != nil {
		return nil, err
	}
	if v.policy != PolicyStrict {
		return func() {}, nil
	}
	if _, ok := v.reserved[orderHash]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRewardReserved, orderHash.Hex())
	}
	if err := v.checkFundedLocked(); err != nil {
		return nil, err
	}
	v.reserved[orderHash] = new(big.Int).Set(v.amount)
	v.held.Add(v.held, v.amount)

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.unreserveLocked(orderHash)
	}, nil
}

func (v *Vault) checkFundedLocked() error {
	balance := v.availableLocked()
	if balance.Cmp(v.amount) < 0 {
		return fmt.Errorf("%w: balance %s, reward %s", ErrInsufficientRewardBalance, balance, v.amount)
	}
	return nil
}

// availableLocked is the vault balance not held for fills in progress.
func (v *Vault) availableLocked() *big.Int {
	return new(big.Int).Sub(v.ledger.BalanceOf(v.token, v.address), v.held)
}

// unreserveLocked drops the hold for orderHash and returns its amount, or
// nil if none was held.
func (v *Vault) unreserveLocked(orderHash common.Hash) *big.Int {
	amount, ok := v.reserved[orderHash]
	if !ok {
		return nil
	}
	delete(v.reserved, orderHash)
	v.held.Sub(v.held, amount)
	return amount
}

func (v *Vault) checkUnrecordedLocked(orderHash common.Hash) error {
	rec, err := v.records.LoadReward(orderHash)
	if err != nil {
		return fmt.Errorf("failed to load reward record: %w", err)
	}
	if rec != nil {
		return fmt.Errorf("%w: %s", ErrRewardAlreadyRecorded, orderHash.Hex())
	}
	return nil
}

func (v *Vault) saveLocked(orderHash common.Hash, keeper common.Address, amount *big.Int, outcome Outcome) error {
	rec := &Record{OrderHash: orderHash, Keeper: keeper, Token: v.token, Amount: amount, Outcome: outcome}
	if err := v.records.SaveReward(rec); err != nil {
		return fmt.Errorf("failed to save reward record: %w", err)
	}
	return nil
}

// Reward returns the record for orderHash, or nil if none exists.
func (v *Vault) Reward(orderHash common.Hash) (*Record, error) {
	return v.records.LoadReward(orderHash)
}
