package limitorder

import (
	"errors"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/orderstate"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/trigger"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
)

var (
	ErrUnknownOrderType             = order.ErrUnknownOrderType
	ErrOrderAlreadyConsumed         = errors.New("order already filled or cancelled")
	ErrSignerMismatch               = errors.New("signer is not the order trader")
	ErrExpired                      = errors.New("order expired")
	ErrOrderTooSmall                = errors.New("order value too small")
	ErrReduceOnlyViolated           = errors.New("reduce-only order would not reduce the position")
	ErrContractCallerNotWhitelisted = errors.New("contract caller is not whitelisted")
	ErrNotOrderOwner                = errors.New("caller is not the order trader")
	ErrNotOwner                     = errors.New("caller is not the book owner")
	ErrZeroAddressNotAllowed        = errors.New("zero address not allowed")
	ErrMarketEngineRejected         = errors.New("market engine rejected the trade")
)

// Class groups errors by what a keeper should do about them.
type Class string

const (
	ClassAuthorization     Class = "authorization"
	ClassStateMachine      Class = "state"
	ClassConditionNotMet   Class = "condition_not_met"
	ClassResourceShortfall Class = "resource_shortfall"
	ClassInvalidOrder      Class = "invalid_order"
	ClassExternal          Class = "external"
	ClassInternal          Class = "internal"
)

// Classification is the stable, machine-readable form of an error.
type Classification struct {
	Code      string `json:"code"`
	Class     Class  `json:"class"`
	Retryable bool   `json:"retryable"`
}

var classTable = []struct {
	err   error
	code  string
	class Class
}{
	{ErrContractCallerNotWhitelisted, "ContractCallerNotWhitelisted", ClassAuthorization},
	{ErrNotOrderOwner, "NotOrderOwner", ClassAuthorization},
	{ErrNotOwner, "NotOwner", ClassAuthorization},
	{ErrSignerMismatch, "SignerMismatch", ClassAuthorization},
	{crypto.ErrInvalidSignature, "SignerMismatch", ClassAuthorization},
	{reward.ErrCallerNotAuthorizedEngine, "CallerNotAuthorizedEngine", ClassAuthorization},
	{reward.ErrNotOwner, "NotOwner", ClassAuthorization},

	{ErrOrderAlreadyConsumed, "OrderAlreadyConsumed", ClassStateMachine},
	{orderstate.ErrOrderNotUnfilled, "OrderAlreadyConsumed", ClassStateMachine},
	{ErrExpired, "Expired", ClassStateMachine},
	{reward.ErrRewardAlreadyRecorded, "RewardAlreadyRecorded", ClassStateMachine},

	{trigger.ErrRoundOutOfOrder, "RoundOutOfOrder", ClassConditionNotMet},
	{trigger.ErrStopLongNotMet, "StopLongNotMet", ClassConditionNotMet},
	{trigger.ErrStopShortNotMet, "StopShortNotMet", ClassConditionNotMet},
	{trigger.ErrTakeProfitLongNotMet, "TakeProfitLongNotMet", ClassConditionNotMet},
	{trigger.ErrTakeProfitShortNotMet, "TakeProfitShortNotMet", ClassConditionNotMet},
	{ErrReduceOnlyViolated, "ReduceOnlyViolated", ClassConditionNotMet},
	{ErrOrderTooSmall, "OrderTooSmall", ClassConditionNotMet},

	{reward.ErrInsufficientRewardBalance, "InsufficientRewardBalance", ClassResourceShortfall},
	{reward.ErrRewardReserved, "RewardReserved", ClassResourceShortfall},

	{order.ErrUnknownOrderType, "UnknownOrderType", ClassInvalidOrder},
	{order.ErrFieldOutOfRange, "FieldOutOfRange", ClassInvalidOrder},
	{order.ErrLegacyFieldSet, "LegacyFieldSet", ClassInvalidOrder},
	{trigger.ErrMissingCreationRound, "MissingCreationRound", ClassInvalidOrder},
	{trigger.ErrInvalidTriggerPrice, "InvalidTriggerPrice", ClassInvalidOrder},
	{trigger.ErrUnsupportedPriceSource, "UnsupportedPriceSource", ClassInvalidOrder},

	{ErrMarketEngineRejected, "MarketEngineRejected", ClassExternal},
}

// Classify maps an error returned by the book to a stable code. Conditions
// that may change with time or market state are retryable; authorization,
// state-machine and invalid-order failures are final for that order.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	for _, c := range classTable {
		if errors.Is(err, c.err) {
			return Classification{Code: c.code, Class: c.class, Retryable: c.class.retryable()}
		}
	}
	return Classification{Code: "Internal", Class: ClassInternal, Retryable: true}
}

func (c Class) retryable() bool {
	switch c {
	case ClassConditionNotMet, ClassResourceShortfall, ClassExternal, ClassInternal:
		return true
	default:
		return false
	}
}
