package limitorder

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
)

type CancelResult struct {
	OrderHash       common.Hash
	WouldBeSize     *big.Int
	WouldBeNotional *big.Int
}

// CancelOrder marks o cancelled. Only the trader may cancel, and only while
// the order is unfilled. Signatures are not checked here: the caller is
// authenticated by whoever submits the cancel.
func (b *Book) CancelOrder(_ context.Context, caller common.Address, o order.Order) (*CancelResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != o.Trader {
		return nil, fmt.Errorf("%w: %s", ErrNotOrderOwner, caller.Hex())
	}
	if !o.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOrderType, uint8(o.Type))
	}

	hash, err := b.signer.HashOrder(&o)
	if err != nil {
		return nil, err
	}
	if err := b.requireUnfilled(hash); err != nil {
		return nil, err
	}
	if err := b.states.MarkCancelled(hash, b.touch()); err != nil {
		return nil, err
	}

	size, notional := o.PositionDelta()
	triggerPrice := nzCopy(o.TriggerPrice)
	b.events.Emit(OrderCancelled{
		Trader:          o.Trader,
		Market:          o.Market,
		OrderHash:       hash,
		OrderType:       o.Type,
		TriggerPrice:    triggerPrice,
		WouldBeSize:     new(big.Int).Set(size),
		WouldBeNotional: new(big.Int).Set(notional),
	})
	b.log.Infow("order_cancelled", "order", hash.Hex(), "trader", o.Trader.Hex(), "type", o.Type.String())

	return &CancelResult{OrderHash: hash, WouldBeSize: size, WouldBeNotional: notional}, nil
}
