package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

var ErrLegacyFieldSet = errors.New("field not supported by legacy order schema")

// Payload is the JSON wire form of an order. Integers are decimal strings
// (0x-hex also accepted) so wallets and keepers never lose precision.
//
// A payload with "schema": 1 is a legacy order: it decodes to a LimitOrder
// and must leave every field introduced by the current schema unset.
type Payload struct {
	Schema              uint8  `json:"schema,omitempty"`
	OrderType           uint8  `json:"orderType"`
	Salt                string `json:"salt"`
	Trader              string `json:"trader"`
	BaseToken           string `json:"baseToken"`
	IsBaseToQuote       bool   `json:"isBaseToQuote"`
	IsExactInput        bool   `json:"isExactInput"`
	Amount              string `json:"amount"`
	OppositeAmountBound string `json:"oppositeAmountBound"`
	Deadline            string `json:"deadline"`
	SqrtPriceLimitX96   string `json:"sqrtPriceLimitX96,omitempty"`
	ReferralCode        string `json:"referralCode,omitempty"`
	ReduceOnly          bool   `json:"reduceOnly"`
	RoundIDWhenCreated  string `json:"roundIdWhenCreated,omitempty"`
	TriggerPrice        string `json:"triggerPrice,omitempty"`
}

// DecodePayload parses a JSON payload into a canonical Order.
func DecodePayload(data []byte) (Order, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Order{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return p.ToOrder()
}

// ToOrder converts the payload to a canonical Order.
func (p *Payload) ToOrder() (Order, error) {
	if !common.IsHexAddress(p.Trader) {
		return Order{}, fmt.Errorf("invalid trader address: %q", p.Trader)
	}
	if !common.IsHexAddress(p.BaseToken) {
		return Order{}, fmt.Errorf("invalid baseToken address: %q", p.BaseToken)
	}

	o := Order{
		Trader:        common.HexToAddress(p.Trader),
		Market:        common.HexToAddress(p.BaseToken),
		IsBaseToQuote: p.IsBaseToQuote,
		IsExactInput:  p.IsExactInput,
		ReduceOnly:    p.ReduceOnly,
	}

	var err error
	if o.Salt, err = parseRequired("salt", p.Salt); err != nil {
		return Order{}, err
	}
	if o.Amount, err = parseRequired("amount", p.Amount); err != nil {
		return Order{}, err
	}
	if o.OppositeAmountBound, err = parseRequired("oppositeAmountBound", p.OppositeAmountBound); err != nil {
		return Order{}, err
	}
	if o.Deadline, err = parseRequired("deadline", p.Deadline); err != nil {
		return Order{}, err
	}

	switch Schema(p.Schema) {
	case SchemaV1:
		if err := p.checkLegacy(); err != nil {
			return Order{}, err
		}
		o.Schema = SchemaV1
		o.Type = LimitOrder
		o.Normalize()
	case 0, SchemaV2:
		o.Schema = SchemaV2
		o.Type = OrderType(p.OrderType)
		if o.SqrtPriceLimitX96, err = parseOptional("sqrtPriceLimitX96", p.SqrtPriceLimitX96); err != nil {
			return Order{}, err
		}
		if o.RoundIDWhenCreated, err = parseOptional("roundIdWhenCreated", p.RoundIDWhenCreated); err != nil {
			return Order{}, err
		}
		if o.TriggerPrice, err = parseOptional("triggerPrice", p.TriggerPrice); err != nil {
			return Order{}, err
		}
		if p.ReferralCode != "" {
			b, err := hexutil.Decode(p.ReferralCode)
			if err != nil || len(b) > common.HashLength {
				return Order{}, fmt.Errorf("invalid referralCode: %q", p.ReferralCode)
			}
			copy(o.ReferralCode[:], b)
		}
	default:
		return Order{}, fmt.Errorf("unsupported order schema %d", p.Schema)
	}

	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// checkLegacy rejects v1 payloads that carry current-schema fields, since
// those fields are not covered by a v1 signature.
func (p *Payload) checkLegacy() error {
	if p.OrderType != 0 {
		return fmt.Errorf("%w: orderType", ErrLegacyFieldSet)
	}
	for name, v := range map[string]string{
		"sqrtPriceLimitX96":  p.SqrtPriceLimitX96,
		"roundIdWhenCreated": p.RoundIDWhenCreated,
		"triggerPrice":       p.TriggerPrice,
	} {
		if v != "" && v != "0" {
			return fmt.Errorf("%w: %s", ErrLegacyFieldSet, name)
		}
	}
	if p.ReferralCode != "" && common.HexToHash(p.ReferralCode) != (common.Hash{}) {
		return fmt.Errorf("%w: referralCode", ErrLegacyFieldSet)
	}
	return nil
}

// FromOrder converts a canonical Order to its wire payload.
func FromOrder(o *Order) *Payload {
	cp := o.Clone()
	cp.Normalize()
	p := &Payload{
		Trader:              cp.Trader.Hex(),
		BaseToken:           cp.Market.Hex(),
		IsBaseToQuote:       cp.IsBaseToQuote,
		IsExactInput:        cp.IsExactInput,
		Salt:                cp.Salt.String(),
		Amount:              cp.Amount.String(),
		OppositeAmountBound: cp.OppositeAmountBound.String(),
		Deadline:            cp.Deadline.String(),
		ReduceOnly:          cp.ReduceOnly,
	}
	if cp.SchemaVersion() == SchemaV1 {
		p.Schema = uint8(SchemaV1)
		return p
	}
	p.OrderType = uint8(cp.Type)
	p.SqrtPriceLimitX96 = cp.SqrtPriceLimitX96.String()
	p.ReferralCode = cp.ReferralCode.Hex()
	p.RoundIDWhenCreated = cp.RoundIDWhenCreated.String()
	p.TriggerPrice = cp.TriggerPrice.String()
	return p
}

func parseRequired(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	return parseOptional(name, s)
}

func parseOptional(name, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q", name, s)
	}
	return v, nil
}
