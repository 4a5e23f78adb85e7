package reward

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Disbursed struct {
	OrderHash common.Hash    `json:"orderHash"`
	Keeper    common.Address `json:"keeper"`
	Token     common.Address `json:"token"`
	Amount    *big.Int       `json:"amount"`
}

// Undisbursed is emitted when a fill went through but the vault could not
// cover the reward. Shortfall is Amount minus Balance.
type Undisbursed struct {
	OrderHash common.Hash    `json:"orderHash"`
	Keeper    common.Address `json:"keeper"`
	Token     common.Address `json:"token"`
	Amount    *big.Int       `json:"amount"`
	Balance   *big.Int       `json:"balance"`
	Shortfall *big.Int       `json:"shortfall"`
}

type Withdrawn struct {
	Owner  common.Address `json:"owner"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

type RewardTokenChanged struct {
	Token common.Address `json:"token"`
}

type RewardAmountChanged struct {
	Amount *big.Int `json:"amount"`
}

type FillEngineChanged struct {
	Engine common.Address `json:"engine"`
}

func (Disbursed) EventName() string           { return "Disbursed" }
func (Undisbursed) EventName() string         { return "Undisbursed" }
func (Withdrawn) EventName() string           { return "Withdrawn" }
func (RewardTokenChanged) EventName() string  { return "RewardTokenChanged" }
func (RewardAmountChanged) EventName() string { return "RewardAmountChanged" }
func (FillEngineChanged) EventName() string   { return "FillEngineChanged" }
