package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/limitorderbook/params"
	"github.com/uhyunpark/limitorderbook/pkg/api"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
	"github.com/uhyunpark/limitorderbook/pkg/node"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

var genesis = time.Unix(1_700_000_000, 0)

type fixture struct {
	node   *node.Node
	srv    *httptest.Server
	trader *crypto.Signer
	domain *crypto.EIP712Signer
	cfg    params.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := params.Default()
	n, err := node.New(context.Background(), node.Options{Config: cfg, Genesis: genesis})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.API.Hub().Run(ctx)

	srv := httptest.NewServer(n.API.Handler())
	t.Cleanup(srv.Close)

	trader, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, n.ClearingHouse.Deposit(trader.Address(), util.MustParseUnits("100000")))
	n.Approvals.Approve(trader.Address(), n.Book.Address(), clearing.ActionOpenPosition)

	return &fixture{node: n, srv: srv, trader: trader, domain: crypto.NewEIP712Signer(n.Book.Domain()), cfg: cfg}
}

func (f *fixture) long(salt int64) order.Order {
	return order.Order{
		Type:                order.LimitOrder,
		Salt:                big.NewInt(salt),
		Trader:              f.trader.Address(),
		Market:              f.node.Markets[0],
		IsExactInput:        true,
		Amount:              util.MustParseUnits("1000"),
		OppositeAmountBound: util.MustParseUnits("0.45"),
		Deadline:            new(big.Int).Set(math.MaxBig256),
	}
}

func (f *fixture) sign(t *testing.T, o order.Order) string {
	t.Helper()
	sig, err := f.domain.SignOrder(f.trader, &o)
	require.NoError(t, err)
	return fmt.Sprintf("0x%x", sig)
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_HealthAndStatus(t *testing.T) {
	f := newFixture(t)

	var health map[string]string
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/health", nil, &health))
	require.Equal(t, "ok", health["status"])

	var status api.ChainStatus
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/chain/status", nil, &status))
	require.Equal(t, uint64(0), status.Height)
	require.Equal(t, "1337", status.ChainID)
	require.Equal(t, f.cfg.Chain.BookAddress.Hex(), status.Book)
	require.Equal(t, util.MustParseUnits("100").String(), status.MinOrderValue)
	require.True(t, status.KeeperEnabled)
}

func TestServer_SubmitOrderThroughKeeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.long(1)

	var submitted api.SubmitOrderResponse
	code := f.do(t, "POST", "/api/v1/orders", api.SubmitOrderRequest{Order: *order.FromOrder(&o), Signature: f.sign(t, o)}, &submitted)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, "watching", submitted.Status)

	var watched []api.KeeperOrder
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/keeper/orders", nil, &watched))
	require.Len(t, watched, 1)
	require.Equal(t, submitted.OrderHash, watched[0].OrderHash)

	f.node.App.ProduceBlock(ctx, genesis.Add(time.Second))
	_, receipts := f.node.App.ProduceBlock(ctx, genesis.Add(2*time.Second))
	require.Len(t, receipts, 1)

	var st api.OrderStatusResponse
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/orders/"+submitted.OrderHash, nil, &st))
	require.Equal(t, "filled", st.Status.String())
	require.Equal(t, uint64(2), st.Height)

	var rw api.RewardResponse
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/orders/"+submitted.OrderHash+"/reward", nil, &rw))
	require.Equal(t, "paid", rw.Outcome)
	require.Equal(t, f.cfg.Keeper.Address.Hex(), rw.Keeper)

	var rcpt map[string]any
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/txs/"+receipts[0].TxID.Hex(), nil, &rcpt))
	require.Equal(t, true, rcpt["ok"])

	var pos api.PositionInfo
	path := fmt.Sprintf("/api/v1/accounts/%s/positions/%s", f.trader.Address().Hex(), o.Market.Hex())
	require.Equal(t, http.StatusOK, f.do(t, "GET", path, nil, &pos))
	require.NotEqual(t, "0", pos.Size)

	var vault api.VaultInfo
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/vault", nil, &vault))
	want := new(big.Int).Sub(f.cfg.Reward.Funding, f.cfg.Reward.Amount)
	require.Equal(t, want.String(), vault.Balance)
	require.Equal(t, "graceful", vault.Policy)
}

func TestServer_SubmitOrderRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	o := f.long(2)
	sig := f.sign(t, o)
	o.Salt = big.NewInt(3)

	var resp api.ErrorResponse
	code := f.do(t, "POST", "/api/v1/orders", api.SubmitOrderRequest{Order: *order.FromOrder(&o), Signature: sig}, &resp)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "SignerMismatch", resp.Code)
	require.Equal(t, "authorization", resp.Class)
	require.False(t, resp.Retryable)
}

func TestServer_CheckFill(t *testing.T) {
	f := newFixture(t)

	o := f.long(4)
	var ok api.CheckFillResponse
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/v1/orders/check", api.CheckFillRequest{Order: *order.FromOrder(&o), Signature: f.sign(t, o)}, &ok))
	require.True(t, ok.OK, ok.Error)
	require.NotEmpty(t, ok.OrderHash)

	small := f.long(5)
	small.Amount = util.MustParseUnits("50")
	small.OppositeAmountBound = util.MustParseUnits("0.02")
	var tooSmall api.CheckFillResponse
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/v1/orders/check", api.CheckFillRequest{Order: *order.FromOrder(&small), Signature: f.sign(t, small)}, &tooSmall))
	require.False(t, tooSmall.OK)
	require.Equal(t, "OrderTooSmall", tooSmall.Code)
	require.Equal(t, "condition_not_met", tooSmall.Class)
	require.True(t, tooSmall.Retryable)

	var bad api.ErrorResponse
	require.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/v1/orders/check", api.CheckFillRequest{Order: *order.FromOrder(&o), Signature: f.sign(t, o), TriggerRound: "x"}, &bad))
}

func TestServer_OrderHashMatchesBook(t *testing.T) {
	f := newFixture(t)
	o := f.long(6)

	var resp api.OrderHashResponse
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/v1/orders/hash", order.FromOrder(&o), &resp))
	want, err := f.node.Book.OrderHash(o)
	require.NoError(t, err)
	require.Equal(t, want.Hex(), resp.OrderHash)
}

func TestServer_SubmitTx(t *testing.T) {
	f := newFixture(t)
	o := f.long(7)
	sig, err := f.domain.SignOrder(f.trader, &o)
	require.NoError(t, err)
	raw, err := transaction.NewFill(&o, sig, nil, f.cfg.Keeper.Address).Serialize()
	require.NoError(t, err)

	var resp api.SubmitTxResponse
	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/api/v1/txs", raw, &resp))
	require.Equal(t, transaction.ID(raw).Hex(), resp.TxID)

	var dupe api.ErrorResponse
	require.Equal(t, http.StatusConflict, f.do(t, "POST", "/api/v1/txs", raw, &dupe))

	price, err := transaction.NewPrice(o.Market, util.MustParseUnits("1")).Serialize()
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/v1/txs", price, &dupe))

	require.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/txs/"+resp.TxID, nil, &dupe))
	f.node.App.ProduceBlock(context.Background(), genesis.Add(time.Second))
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/txs/"+resp.TxID, nil, nil))
}

func TestServer_BadPathParams(t *testing.T) {
	f := newFixture(t)
	var resp api.ErrorResponse
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/v1/orders/0x1234", nil, &resp))
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/v1/txs/nothex", nil, &resp))
	require.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/orders/"+common.Hash{1}.Hex()+"/reward", nil, &resp))
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/v1/accounts/zz/positions/zz", nil, &resp))

	var st api.OrderStatusResponse
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/orders/"+common.Hash{2}.Hex(), nil, &st))
	require.Equal(t, "unfilled", st.Status.String())
}

func TestServer_WebSocketStreamsOrderEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	o := f.long(8)
	hash, err := f.node.Book.OrderHash(o)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(api.WSSubscribeRequest{
		Op:       "subscribe",
		Channels: []string{api.ChannelBlocks, api.OrderChannel(hash.Hex())},
	}))

	msgs := make(chan map[string]any, 64)
	go func() {
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				close(msgs)
				return
			}
			msgs <- m
		}
	}()

	// The subscription is applied asynchronously; keep producing blocks until
	// one arrives.
	next := genesis
	require.Eventually(t, func() bool {
		next = next.Add(time.Second)
		f.node.App.ProduceBlock(ctx, next)
		select {
		case m := <-msgs:
			return m["type"] == "block"
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	sig, err := hexutil.Decode(f.sign(t, o))
	require.NoError(t, err)
	_, err = f.node.Keeper.AddOrder(ctx, o, sig, 0)
	require.NoError(t, err)

	var names []string
	require.Eventually(t, func() bool {
		next = next.Add(time.Second)
		f.node.App.ProduceBlock(ctx, next)
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return false
				}
				if m["type"] == "event" && m["orderHash"] == hash.Hex() {
					names = append(names, m["name"].(string))
				}
				continue
			default:
			}
			break
		}
		return slices.Contains(names, "OrderFilled")
	}, 5*time.Second, 50*time.Millisecond)
}
