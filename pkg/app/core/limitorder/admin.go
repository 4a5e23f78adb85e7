package limitorder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
)

func (b *Book) SetWhitelistContractCaller(caller, contract common.Address, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.onlyOwnerLocked(caller); err != nil {
		return err
	}
	if contract == (common.Address{}) {
		return ErrZeroAddressNotAllowed
	}
	if enabled {
		b.whitelist[contract] = true
	} else {
		delete(b.whitelist, contract)
	}
	b.events.Emit(WhitelistContractCallerChanged{Caller: contract, Enabled: enabled})
	b.log.Infow("whitelist_changed", "contract", contract.Hex(), "enabled", enabled)
	return nil
}

func (b *Book) IsWhitelistContractCaller(addr common.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.whitelist[addr]
}

// SetMinOrderValue sets the quote-value floor for fills. Zero disables it.
func (b *Book) SetMinOrderValue(caller common.Address, v *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.onlyOwnerLocked(caller); err != nil {
		return err
	}
	if v == nil || v.Sign() < 0 {
		return fmt.Errorf("invalid min order value: %v", v)
	}
	b.minOrderValue = new(big.Int).Set(v)
	b.events.Emit(MinOrderValueChanged{Value: new(big.Int).Set(v)})
	b.log.Infow("min_order_value_changed", "value", v.String())
	return nil
}

func (b *Book) MinOrderValue() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.minOrderValue)
}

// SetRewardSink swaps the keeper reward sink. nil disables rewards.
func (b *Book) SetRewardSink(caller common.Address, sink reward.Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.onlyOwnerLocked(caller); err != nil {
		return err
	}
	if sink == nil {
		sink = reward.NopSink{}
	}
	b.rewards = sink
	b.log.Infow("reward_sink_changed", "sink", fmt.Sprintf("%T", sink))
	return nil
}

func (b *Book) onlyOwnerLocked(caller common.Address) error {
	if caller != b.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}
