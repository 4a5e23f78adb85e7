package perp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

var (
	ErrNotFundOwner           = errors.New("caller is not the fund owner")
	ErrNotFundOwnerOrManager  = errors.New("caller is not the fund owner or manager")
	ErrNotVaultAdmin          = errors.New("caller is not the vault admin")
	ErrFunctionNotWhitelisted = errors.New("function not whitelisted")
)

type DelegatableVaultConfig struct {
	// Address is the vault's trading account and token holder.
	Address     common.Address
	Admin       common.Address
	FundOwner   common.Address
	FundManager common.Address

	ClearingHouse *ClearingHouse
	Ledger        reward.Ledger
	// Collateral is the token deposited into the clearing house, held at
	// Custody while it backs the vault's positions.
	Collateral common.Address
	Custody    common.Address
	Logger     *zap.SugaredLogger
}

// DelegatableVault trades one clearing-house account for a fund owner. The
// owner alone moves funds in and out; the owner or the fund manager trade,
// directly or through Aggregate with admin-whitelisted methods.
type DelegatableVault struct {
	mu sync.Mutex

	address     common.Address
	admin       common.Address
	fundOwner   common.Address
	fundManager common.Address
	whitelist   map[string]bool

	ch         *ClearingHouse
	ledger     reward.Ledger
	collateral common.Address
	custody    common.Address
	log        *zap.SugaredLogger
}

func NewDelegatableVault(cfg DelegatableVaultConfig) (*DelegatableVault, error) {
	if cfg.ClearingHouse == nil || cfg.Ledger == nil {
		return nil, errors.New("delegatable vault requires a clearing house and a ledger")
	}
	for _, a := range []common.Address{cfg.Address, cfg.Admin, cfg.FundOwner, cfg.FundManager, cfg.Collateral, cfg.Custody} {
		if a == (common.Address{}) {
			return nil, reward.ErrZeroAddressNotAllowed
		}
	}
	return &DelegatableVault{
		address:     cfg.Address,
		admin:       cfg.Admin,
		fundOwner:   cfg.FundOwner,
		fundManager: cfg.FundManager,
		whitelist:   map[string]bool{MethodOpenPosition: true, MethodClosePosition: true},
		ch:          cfg.ClearingHouse,
		ledger:      cfg.Ledger,
		collateral:  cfg.Collateral,
		custody:     cfg.Custody,
		log:         util.OrNop(cfg.Logger),
	}, nil
}

func (v *DelegatableVault) Address() common.Address { return v.address }

// Deposit moves amount of the collateral token from the fund owner into the
// clearing house, credited to the vault's account.
func (v *DelegatableVault) Deposit(caller common.Address, amount *big.Int) error {
	if err := v.onlyFundOwner(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid deposit: %v", amount)
	}
	if err := v.ledger.Transfer(v.collateral, v.fundOwner, v.custody, amount); err != nil {
		return fmt.Errorf("failed to collect deposit: %w", err)
	}
	if err := v.ch.Deposit(v.address, amount); err != nil {
		if rerr := v.ledger.Transfer(v.collateral, v.custody, v.fundOwner, amount); rerr != nil {
			v.log.Errorw("dv_deposit_refund_failed", "amount", amount.String(), "err", rerr)
		}
		return err
	}
	v.log.Infow("dv_deposited", "vault", v.address.Hex(), "amount", amount.String())
	return nil
}

// Withdraw takes amount of free collateral out of the clearing house and
// returns it to the fund owner.
func (v *DelegatableVault) Withdraw(caller common.Address, amount *big.Int) error {
	if err := v.onlyFundOwner(caller); err != nil {
		return err
	}
	if err := v.ch.Withdraw(v.address, amount); err != nil {
		return err
	}
	if err := v.ledger.Transfer(v.collateral, v.custody, v.fundOwner, amount); err != nil {
		if derr := v.ch.Deposit(v.address, amount); derr != nil {
			v.log.Errorw("dv_withdraw_recredit_failed", "amount", amount.String(), "err", derr)
		}
		return fmt.Errorf("failed to pay out withdrawal: %w", err)
	}
	v.log.Infow("dv_withdrawn", "vault", v.address.Hex(), "amount", amount.String())
	return nil
}

// WithdrawToken sends the vault's whole balance of token to the fund owner
// and returns the amount moved.
func (v *DelegatableVault) WithdrawToken(caller, token common.Address) (*big.Int, error) {
	if err := v.onlyFundOwner(caller); err != nil {
		return nil, err
	}
	bal := v.ledger.BalanceOf(token, v.address)
	if bal.Sign() == 0 {
		return bal, nil
	}
	if err := v.ledger.Transfer(token, v.address, v.fundOwner, bal); err != nil {
		return nil, err
	}
	return bal, nil
}

func (v *DelegatableVault) OpenPosition(ctx context.Context, caller common.Address, p clearing.OpenPositionParams) (clearing.PositionResult, error) {
	if err := v.onlyFundOwnerOrManager(caller); err != nil {
		return clearing.PositionResult{}, err
	}
	return v.ch.OpenPosition(ctx, v.address, p)
}

func (v *DelegatableVault) ClosePosition(ctx context.Context, caller common.Address, p ClosePositionParams) (clearing.PositionResult, error) {
	if err := v.onlyFundOwnerOrManager(caller); err != nil {
		return clearing.PositionResult{}, err
	}
	return v.ch.ClosePosition(ctx, v.address, p)
}

// Aggregate runs calls as one clearing-house batch. Every method must be
// whitelisted; otherwise nothing runs.
func (v *DelegatableVault) Aggregate(ctx context.Context, caller common.Address, calls []Call) ([]clearing.PositionResult, error) {
	if err := v.onlyFundOwnerOrManager(caller); err != nil {
		return nil, err
	}
	v.mu.Lock()
	for _, c := range calls {
		if !v.whitelist[c.Method] {
			v.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrFunctionNotWhitelisted, c.Method)
		}
	}
	v.mu.Unlock()
	return v.ch.Batch(ctx, v.address, calls)
}

func (v *DelegatableVault) SetWhiteFunction(caller common.Address, method string, enabled bool) error {
	if caller != v.admin {
		return fmt.Errorf("%w: %s", ErrNotVaultAdmin, caller.Hex())
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if enabled {
		v.whitelist[method] = true
	} else {
		delete(v.whitelist, method)
	}
	v.log.Infow("dv_whitelist_changed", "method", method, "enabled", enabled)
	return nil
}

func (v *DelegatableVault) IsWhiteFunction(method string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.whitelist[method]
}

func (v *DelegatableVault) onlyFundOwner(caller common.Address) error {
	if caller != v.fundOwner {
		return fmt.Errorf("%w: %s", ErrNotFundOwner, caller.Hex())
	}
	return nil
}

func (v *DelegatableVault) onlyFundOwnerOrManager(caller common.Address) error {
	if caller != v.fundOwner && caller != v.fundManager {
		return fmt.Errorf("%w: %s", ErrNotFundOwnerOrManager, caller.Hex())
	}
	return nil
}
