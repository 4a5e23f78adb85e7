package limitorder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
)

type OrderFilled struct {
	Trader            common.Address  `json:"trader"`
	Market            common.Address  `json:"market"`
	OrderHash         common.Hash     `json:"orderHash"`
	OrderType         order.OrderType `json:"orderType"`
	Keeper            common.Address  `json:"keeper"`
	ExchangedSize     *big.Int        `json:"exchangedSize"`
	ExchangedNotional *big.Int        `json:"exchangedNotional"`
	Fee               *big.Int        `json:"fee"`
}

// OrderCancelled carries the position delta the order would have applied, so
// indexers can show what was given up.
type OrderCancelled struct {
	Trader          common.Address  `json:"trader"`
	Market          common.Address  `json:"market"`
	OrderHash       common.Hash     `json:"orderHash"`
	OrderType       order.OrderType `json:"orderType"`
	TriggerPrice    *big.Int        `json:"triggerPrice"`
	WouldBeSize     *big.Int        `json:"wouldBeSize"`
	WouldBeNotional *big.Int        `json:"wouldBeNotional"`
}

type WhitelistContractCallerChanged struct {
	Caller  common.Address `json:"caller"`
	Enabled bool           `json:"enabled"`
}

type MinOrderValueChanged struct {
	Value *big.Int `json:"value"`
}

func (OrderFilled) EventName() string                    { return "OrderFilled" }
func (OrderCancelled) EventName() string                 { return "OrderCancelled" }
func (WhitelistContractCallerChanged) EventName() string { return "WhitelistContractCallerChanged" }
func (MinOrderValueChanged) EventName() string           { return "MinOrderValueChanged" }
