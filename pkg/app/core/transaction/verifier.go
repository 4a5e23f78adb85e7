package transaction

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/crypto"
)

// Verifier checks trader signatures on fill and cancel transactions.
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

// NewVerifier creates a new transaction verifier
func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// VerifyFillTransaction checks that the order in a fill transaction was
// signed by its trader. Returns the trader and the order hash.
//
// The book repeats this check on execution; admission only filters out
// garbage early.
func (v *Verifier) VerifyFillTransaction(tx *SignedTransaction) (common.Address, common.Hash, error) {
	if tx.Type != TxTypeFill {
		return common.Address{}, common.Hash{}, fmt.Errorf("not a fill transaction")
	}

	o, err := tx.Order()
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("invalid order format: %w", err)
	}

	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("invalid signature: %w", err)
	}

	hash, err := v.eip712Signer.HashOrder(&o)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	trader, err := v.eip712Signer.VerifySigner(&o, sigBytes)
	if err != nil {
		return common.Address{}, hash, fmt.Errorf("signature verification failed: %w", err)
	}

	return trader, hash, nil
}

// VerifyCancelTransaction checks the trader's CancelOrder signature and
// returns the trader, who becomes the cancel's caller.
func (v *Verifier) VerifyCancelTransaction(tx *SignedTransaction) (common.Address, common.Hash, error) {
	if tx.Type != TxTypeCancel {
		return common.Address{}, common.Hash{}, fmt.Errorf("not a cancel transaction")
	}

	o, err := tx.Order()
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("invalid order format: %w", err)
	}

	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("invalid signature: %w", err)
	}

	hash, err := v.eip712Signer.HashOrder(&o)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	signer, err := v.eip712Signer.RecoverCancelSigner(hash, o.Trader, sigBytes)
	if err != nil {
		return common.Address{}, hash, fmt.Errorf("signature verification failed: %w", err)
	}
	if signer != o.Trader {
		return common.Address{}, hash, fmt.Errorf("%w: cancel signed by %s, not trader %s",
			crypto.ErrInvalidSignature, signer.Hex(), o.Trader.Hex())
	}

	return o.Trader, hash, nil
}

// RecoverSigner returns the trader that authorised tx.
func (v *Verifier) RecoverSigner(tx *SignedTransaction) (common.Address, error) {
	switch tx.Type {
	case TxTypeFill:
		trader, _, err := v.VerifyFillTransaction(tx)
		return trader, err
	case TxTypeCancel:
		trader, _, err := v.VerifyCancelTransaction(tx)
		return trader, err
	default:
		return common.Address{}, fmt.Errorf("unsupported transaction type: %s", tx.Type)
	}
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}

	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	return sigBytes, nil
}

func encodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
