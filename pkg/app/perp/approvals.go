package perp

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
)

// DelegateApprovals records which delegates each trader allows to act for
// them, as a bitmask of clearing.Action.
type DelegateApprovals struct {
	mu        sync.RWMutex
	approvals map[common.Address]map[common.Address]clearing.Action
}

func NewDelegateApprovals() *DelegateApprovals {
	return &DelegateApprovals{approvals: make(map[common.Address]map[common.Address]clearing.Action)}
}

func (d *DelegateApprovals) Approve(trader, delegate common.Address, actions clearing.Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.approvals[trader]
	if !ok {
		m = make(map[common.Address]clearing.Action)
		d.approvals[trader] = m
	}
	m[delegate] |= actions
}

func (d *DelegateApprovals) Revoke(trader, delegate common.Address, actions clearing.Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.approvals[trader]; ok {
		m[delegate] &^= actions
	}
}

func (d *DelegateApprovals) IsApproved(trader, delegate common.Address, action clearing.Action) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.approvals[trader][delegate]&action == action
}

var _ clearing.DelegateApproval = (*DelegateApprovals)(nil)
