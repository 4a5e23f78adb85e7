package perp

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
)

var (
	dvAddress   = common.HexToAddress("0x00000000000000000000000000000000000000D0")
	dvAdmin     = common.HexToAddress("0x00000000000000000000000000000000000000D1")
	fundOwner   = common.HexToAddress("0x00000000000000000000000000000000000000D2")
	fundManager = common.HexToAddress("0x00000000000000000000000000000000000000D3")
	usdc        = common.HexToAddress("0x00000000000000000000000000000000000000D4")
	custody     = common.HexToAddress("0x00000000000000000000000000000000000000D5")
)

type dvFixture struct {
	*chFixture
	dv     *DelegatableVault
	ledger *reward.MemoryLedger
}

func newDVFixture(t *testing.T, funded string) *dvFixture {
	t.Helper()
	f := &dvFixture{chFixture: newCHFixture(t, "1"), ledger: reward.NewMemoryLedger()}
	f.ledger.Mint(usdc, fundOwner, units(funded))

	var err error
	f.dv, err = NewDelegatableVault(DelegatableVaultConfig{
		Address:       dvAddress,
		Admin:         dvAdmin,
		FundOwner:     fundOwner,
		FundManager:   fundManager,
		ClearingHouse: f.ch,
		Ledger:        f.ledger,
		Collateral:    usdc,
		Custody:       custody,
	})
	require.NoError(t, err)
	return f
}

func (f *dvFixture) size() string { return f.ch.Position(dvAddress, market).Size.String() }

func TestDelegatableVault_DepositWithdraw(t *testing.T) {
	f := newDVFixture(t, "1000")

	require.NoError(t, f.dv.Deposit(fundOwner, units("1000")))
	require.Equal(t, units("1000").String(), f.ch.Collateral(dvAddress).String())
	require.Zero(t, f.ledger.BalanceOf(usdc, fundOwner).Sign())

	require.NoError(t, f.dv.Withdraw(fundOwner, units("1000")))
	require.Zero(t, f.ch.Collateral(dvAddress).Sign())
	require.Equal(t, units("1000").String(), f.ledger.BalanceOf(usdc, fundOwner).String())
	require.Zero(t, f.ledger.BalanceOf(usdc, custody).Sign())
}

func TestDelegatableVault_OwnerOnlyFunds(t *testing.T) {
	f := newDVFixture(t, "1000")

	require.ErrorIs(t, f.dv.Deposit(fundManager, units("1000")), ErrNotFundOwner)
	require.NoError(t, f.dv.Deposit(fundOwner, units("1000")))
	require.ErrorIs(t, f.dv.Withdraw(fundManager, units("1000")), ErrNotFundOwner)
	require.ErrorIs(t, f.dv.Withdraw(dvAdmin, units("1000")), ErrNotFundOwner)
	require.Equal(t, units("1000").String(), f.ch.Collateral(dvAddress).String())
}

func TestDelegatableVault_OpenClose(t *testing.T) {
	for _, caller := range []common.Address{fundOwner, fundManager} {
		f := newDVFixture(t, "1000")
		ctx := context.Background()
		require.NoError(t, f.dv.Deposit(fundOwner, units("1000")))

		_, err := f.dv.OpenPosition(ctx, caller, longBase("0.1"))
		require.NoError(t, err)
		require.Equal(t, units("0.1").String(), f.size())

		_, err = f.dv.ClosePosition(ctx, caller, ClosePositionParams{Market: market})
		require.NoError(t, err)
		require.Equal(t, "0", f.size())
	}

	f := newDVFixture(t, "1000")
	_, err := f.dv.OpenPosition(context.Background(), dvAdmin, longBase("0.1"))
	require.ErrorIs(t, err, ErrNotFundOwnerOrManager)
}

func TestDelegatableVault_Aggregate(t *testing.T) {
	f := newDVFixture(t, "1000")
	ctx := context.Background()
	require.NoError(t, f.dv.Deposit(fundOwner, units("1000")))

	open := Call{Method: MethodOpenPosition, Open: longBase("0.1")}
	reduce := Call{Method: MethodOpenPosition, Open: clearing.OpenPositionParams{
		Market:        market,
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        units("0.05"),
	}}

	_, err := f.dv.Aggregate(ctx, dvAdmin, []Call{open, reduce})
	require.ErrorIs(t, err, ErrNotFundOwnerOrManager)

	_, err = f.dv.Aggregate(ctx, fundManager, []Call{open, reduce})
	require.NoError(t, err)
	require.Equal(t, units("0.05").String(), f.size())

	// Methods off the whitelist stop the whole batch before it runs.
	_, err = f.dv.Aggregate(ctx, fundOwner, []Call{open, {Method: "withdraw"}})
	require.ErrorIs(t, err, ErrFunctionNotWhitelisted)
	require.Equal(t, units("0.05").String(), f.size())
}

func TestDelegatableVault_Whitelist(t *testing.T) {
	f := newDVFixture(t, "1000")
	ctx := context.Background()
	require.NoError(t, f.dv.Deposit(fundOwner, units("1000")))
	open := Call{Method: MethodOpenPosition, Open: longBase("0.1")}

	require.ErrorIs(t, f.dv.SetWhiteFunction(fundOwner, MethodOpenPosition, false), ErrNotVaultAdmin)
	require.NoError(t, f.dv.SetWhiteFunction(dvAdmin, MethodOpenPosition, false))
	require.False(t, f.dv.IsWhiteFunction(MethodOpenPosition))

	_, err := f.dv.Aggregate(ctx, fundManager, []Call{open})
	require.ErrorIs(t, err, ErrFunctionNotWhitelisted)

	require.NoError(t, f.dv.SetWhiteFunction(dvAdmin, MethodOpenPosition, true))
	_, err = f.dv.Aggregate(ctx, fundOwner, []Call{open})
	require.NoError(t, err)
	require.Equal(t, units("0.1").String(), f.size())
}

func TestDelegatableVault_WithdrawToken(t *testing.T) {
	f := newDVFixture(t, "0")
	token := common.HexToAddress("0x00000000000000000000000000000000000000D6")
	f.ledger.Mint(token, dvAddress, units("100000"))

	_, err := f.dv.WithdrawToken(fundManager, token)
	require.ErrorIs(t, err, ErrNotFundOwner)

	moved, err := f.dv.WithdrawToken(fundOwner, token)
	require.NoError(t, err)
	require.Equal(t, units("100000").String(), moved.String())
	require.Equal(t, units("100000").String(), f.ledger.BalanceOf(token, fundOwner).String())
	require.Zero(t, f.ledger.BalanceOf(token, dvAddress).Sign())
}
