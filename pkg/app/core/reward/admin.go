package reward

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func (v *Vault) SetRewardToken(caller, token common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyOwnerLocked(caller); err != nil {
		return err
	}
	return v.setTokenLocked(token)
}

func (v *Vault) SetRewardAmount(caller common.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyOwnerLocked(caller); err != nil {
		return err
	}
	return v.setAmountLocked(amount)
}

// SetRewardTokenAndAmount switches both at once so no fill is ever paid in
// the new token at the old amount.
func (v *Vault) SetRewardTokenAndAmount(caller, token common.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyOwnerLocked(caller); err != nil {
		return err
	}
	if err := v.validateAmountLocked(amount); err != nil {
		return err
	}
	if err := v.setTokenLocked(token); err != nil {
		return err
	}
	return v.setAmountLocked(amount)
}

func (v *Vault) SetFillEngine(caller, engine common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyOwnerLocked(caller); err != nil {
		return err
	}
	if engine == (common.Address{}) {
		return ErrZeroAddressNotAllowed
	}
	v.fillEngine = engine
	v.events.Emit(FillEngineChanged{Engine: engine})
	v.log.Infow("reward_fill_engine_changed", "engine", engine.Hex())
	return nil
}

// Withdraw moves amount of the reward token from the vault to the owner.
func (v *Vault) Withdraw(caller common.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyOwnerLocked(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid withdraw amount: %v", amount)
	}

	balance := v.availableLocked()
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s, held %s, requested %s", ErrInsufficientVaultBalance, balance, v.held, amount)
	}
	if err := v.ledger.Transfer(v.token, v.address, v.owner, amount); err != nil {
		return fmt.Errorf("failed to withdraw: %w", err)
	}

	v.events.Emit(Withdrawn{Owner: v.owner, Token: v.token, Amount: new(big.Int).Set(amount)})
	v.log.Infow("reward_withdrawn", "owner", v.owner.Hex(), "amount", amount.String())
	return nil
}

func (v *Vault) onlyOwnerLocked(caller common.Address) error {
	if caller != v.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}

func (v *Vault) setTokenLocked(token common.Address) error {
	if token == (common.Address{}) {
		return ErrZeroAddressNotAllowed
	}
	if v.held.Sign() != 0 {
		return fmt.Errorf("%w: %s held", ErrRewardReserved, v.held)
	}
	v.token = token
	v.events.Emit(RewardTokenChanged{Token: token})
	v.log.Infow("reward_token_changed", "token", token.Hex())
	return nil
}

func (v *Vault) validateAmountLocked(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid reward amount: %v", amount)
	}
	if v.policy == PolicyStrict && amount.Sign() == 0 {
		return ErrZeroRewardAmount
	}
	return nil
}

func (v *Vault) setAmountLocked(amount *big.Int) error {
	if err := v.validateAmountLocked(amount); err != nil {
		return err
	}
	v.amount = new(big.Int).Set(amount)
	v.events.Emit(RewardAmountChanged{Amount: new(big.Int).Set(amount)})
	v.log.Infow("reward_amount_changed", "amount", amount.String())
	return nil
}

// Info is a point-in-time view of the vault's configuration and balance.
type Info struct {
	Address    common.Address
	Owner      common.Address
	FillEngine common.Address
	Token      common.Address
	Amount     *big.Int
	Balance    *big.Int
	Policy     Policy
}

func (v *Vault) Info() Info {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Info{
		Address:    v.address,
		Owner:      v.owner,
		FillEngine: v.fillEngine,
		Token:      v.token,
		Amount:     new(big.Int).Set(v.amount),
		Balance:    v.ledger.BalanceOf(v.token, v.address),
		Policy:     v.policy,
	}
}
