package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	ost:<order hash>           → orderstate.Record
//	rwd:<order hash>           → reward.Record
//	bal:<token>:<holder>       → decimal balance
//	blk:<8-byte height>        → lob.Block
//	blk-last                   → height of the newest block
//	rcpt:<tx id>               → lob.Receipt
//	ord:<order hash>           → keeper.Entry
const (
	prefixOrderState = "ost:"
	prefixReward     = "rwd:"
	prefixBalance    = "bal:"
	prefixBlock      = "blk:"
	prefixReceipt    = "rcpt:"
	prefixOrder      = "ord:"

	keyLastBlock = "blk-last"
)

func hashKey(prefix string, h common.Hash) []byte {
	return append([]byte(prefix), h.Bytes()...)
}

func orderStateKey(h common.Hash) []byte { return hashKey(prefixOrderState, h) }
func rewardKey(h common.Hash) []byte     { return hashKey(prefixReward, h) }
func receiptKey(txID common.Hash) []byte { return hashKey(prefixReceipt, txID) }
func orderKey(h common.Hash) []byte      { return hashKey(prefixOrder, h) }

// balanceKey returns the key for a token balance
// Format: "bal:{token}:{holder}"
func balanceKey(token, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, token.Hex(), holder.Hex()))
}

// blockKey encodes height big-endian so blocks iterate in height order.
func blockKey(height uint64) []byte {
	key := make([]byte, len(prefixBlock)+8)
	copy(key, prefixBlock)
	binary.BigEndian.PutUint64(key[len(prefixBlock):], height)
	return key
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
