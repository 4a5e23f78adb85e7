package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
)

const (
	DefaultDomainName    = "Perpetual Protocol v2 Limit Order"
	DefaultDomainVersion = "1"

	primaryLimitOrder  = "LimitOrder"
	primaryCancelOrder = "CancelOrder"
)

// EIP712Domain binds signatures to one chain and one order book deployment.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // order book address
}

// EIP712Signer hashes, signs and recovers typed-data orders for one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the local devnet domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              DefaultDomainName,
		Version:           DefaultDomainVersion,
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

var domainTypes = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var limitOrderTypesV2 = []apitypes.Type{
	{Name: "orderType", Type: "uint8"},
	{Name: "salt", Type: "uint256"},
	{Name: "trader", Type: "address"},
	{Name: "baseToken", Type: "address"},
	{Name: "isBaseToQuote", Type: "bool"},
	{Name: "isExactInput", Type: "bool"},
	{Name: "amount", Type: "uint256"},
	{Name: "oppositeAmountBound", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "sqrtPriceLimitX96", Type: "uint160"},
	{Name: "referralCode", Type: "bytes32"},
	{Name: "reduceOnly", Type: "bool"},
	{Name: "roundIdWhenCreated", Type: "uint80"},
	{Name: "triggerPrice", Type: "uint256"},
}

var limitOrderTypesV1 = []apitypes.Type{
	{Name: "salt", Type: "uint256"},
	{Name: "trader", Type: "address"},
	{Name: "baseToken", Type: "address"},
	{Name: "isBaseToQuote", Type: "bool"},
	{Name: "isExactInput", Type: "bool"},
	{Name: "amount", Type: "uint256"},
	{Name: "oppositeAmountBound", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "reduceOnly", Type: "bool"},
}

var cancelOrderTypes = []apitypes.Type{
	{Name: "orderHash", Type: "bytes32"},
	{Name: "trader", Type: "address"},
}

func (e *EIP712Signer) typedData(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func digest(typedData apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData), nil
}

// orderTypedData maps an order onto the struct matching its schema.
func (e *EIP712Signer) orderTypedData(o *order.Order) (apitypes.TypedData, error) {
	if err := o.Validate(); err != nil {
		return apitypes.TypedData{}, err
	}
	cp := o.Clone()
	cp.Normalize()

	if cp.SchemaVersion() == order.SchemaV1 {
		return e.typedData(primaryLimitOrder, limitOrderTypesV1, apitypes.TypedDataMessage{
			"salt":                cp.Salt.String(),
			"trader":              cp.Trader.Hex(),
			"baseToken":           cp.Market.Hex(),
			"isBaseToQuote":       cp.IsBaseToQuote,
			"isExactInput":        cp.IsExactInput,
			"amount":              cp.Amount.String(),
			"oppositeAmountBound": cp.OppositeAmountBound.String(),
			"deadline":            cp.Deadline.String(),
			"reduceOnly":          cp.ReduceOnly,
		}), nil
	}

	return e.typedData(primaryLimitOrder, limitOrderTypesV2, apitypes.TypedDataMessage{
		"orderType":           fmt.Sprintf("%d", uint8(cp.Type)),
		"salt":                cp.Salt.String(),
		"trader":              cp.Trader.Hex(),
		"baseToken":           cp.Market.Hex(),
		"isBaseToQuote":       cp.IsBaseToQuote,
		"isExactInput":        cp.IsExactInput,
		"amount":              cp.Amount.String(),
		"oppositeAmountBound": cp.OppositeAmountBound.String(),
		"deadline":            cp.Deadline.String(),
		"sqrtPriceLimitX96":   cp.SqrtPriceLimitX96.String(),
		"referralCode":        cp.ReferralCode.Hex(),
		"reduceOnly":          cp.ReduceOnly,
		"roundIdWhenCreated":  cp.RoundIDWhenCreated.String(),
		"triggerPrice":        cp.TriggerPrice.String(),
	}), nil
}

// HashOrder returns the order's EIP-712 digest. This is also the order's
// identity in the state store.
func (e *EIP712Signer) HashOrder(o *order.Order) (common.Hash, error) {
	td, err := e.orderTypedData(o)
	if err != nil {
		return common.Hash{}, err
	}
	return digest(td)
}

// SignOrder signs an order and returns the signature
func (e *EIP712Signer) SignOrder(signer *Signer, o *order.Order) ([]byte, error) {
	hash, err := e.HashOrder(o)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// RecoverOrderSigner recovers the address that signed an order
func (e *EIP712Signer) RecoverOrderSigner(o *order.Order, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(o)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(hash.Bytes(), signature)
}

// VerifySigner checks that signature was produced by o.Trader and returns the
// trader. Any other outcome is reported as ErrInvalidSignature.
func (e *EIP712Signer) VerifySigner(o *order.Order, signature []byte) (common.Address, error) {
	recovered, err := e.RecoverOrderSigner(o, signature)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != o.Trader {
		return common.Address{}, fmt.Errorf("%w: signer %s is not trader %s", ErrInvalidSignature, recovered.Hex(), o.Trader.Hex())
	}
	return recovered, nil
}

// OrderToJSON renders the order as eth_signTypedData_v4 input for wallets.
func (e *EIP712Signer) OrderToJSON(o *order.Order) (string, error) {
	td, err := e.orderTypedData(o)
	if err != nil {
		return "", err
	}

	jsonBytes, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(jsonBytes), nil
}

// HashCancel hashes a trader's request to cancel orderHash. Cancels that
// arrive over the network carry this signature in place of a tx sender.
func (e *EIP712Signer) HashCancel(orderHash common.Hash, trader common.Address) (common.Hash, error) {
	return digest(e.typedData(primaryCancelOrder, cancelOrderTypes, apitypes.TypedDataMessage{
		"orderHash": orderHash.Hex(),
		"trader":    trader.Hex(),
	}))
}

// SignCancel signs a cancel request for orderHash.
func (e *EIP712Signer) SignCancel(signer *Signer, orderHash common.Hash) ([]byte, error) {
	hash, err := e.HashCancel(orderHash, signer.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return signer.Sign(hash.Bytes())
}

// RecoverCancelSigner returns the address that authorised cancelling
// orderHash on behalf of trader.
func (e *EIP712Signer) RecoverCancelSigner(orderHash common.Hash, trader common.Address, signature []byte) (common.Address, error) {
	hash, err := e.HashCancel(orderHash, trader)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return RecoverAddress(hash.Bytes(), signature)
}
