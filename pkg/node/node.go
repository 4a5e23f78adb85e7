// Package node assembles a devnet node from configuration: storage, the
// perpetual stand-ins, the book and vault, the block producer, the keeper,
// the order feeder, p2p gossip and the API.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/limitorderbook/params"
	"github.com/uhyunpark/limitorderbook/pkg/api"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/events"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/limitorder"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/orderstate"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
	"github.com/uhyunpark/limitorderbook/pkg/app/keeper"
	"github.com/uhyunpark/limitorderbook/pkg/app/lob"
	"github.com/uhyunpark/limitorderbook/pkg/app/perp"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
	"github.com/uhyunpark/limitorderbook/pkg/p2p"
	"github.com/uhyunpark/limitorderbook/pkg/storage"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

type Options struct {
	Config  params.Config
	Markets *params.MarketsFile // nil loads Config.MarketsFile or the defaults
	Genesis time.Time           // zero means now
	Logger  *zap.SugaredLogger
}

// Node owns every component of a running node.
type Node struct {
	cfg params.Config
	log *zap.SugaredLogger

	Clock         *util.BlockClock
	Events        *events.Log
	Feeds         *perp.FeedRouter
	Approvals     *perp.DelegateApprovals
	ClearingHouse *perp.ClearingHouse
	Ledger        reward.Ledger
	Vault         *reward.Vault
	Book          *limitorder.Book
	App           *lob.App
	Keeper        *keeper.Watcher   // nil when the keeper is disabled
	Feeder        *perp.OrderFeeder // nil when the feeder is disabled
	Net           *p2p.Libp2pNet    // nil without a listen address
	API           *api.Server
	Markets       []common.Address

	store *storage.PebbleStore
	wal   interface{ Close() error }
}

// minter funds the vault at genesis.
type minter interface {
	Mint(token, to common.Address, amount *big.Int) error
}

type memoryMinter struct{ *reward.MemoryLedger }

func (m memoryMinter) Mint(token, to common.Address, amount *big.Int) error {
	m.MemoryLedger.Mint(token, to, amount)
	return nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	n := &Node{cfg: cfg, log: util.OrNop(opts.Logger), Events: &events.Log{}}

	markets := opts.Markets
	if markets == nil {
		var err error
		if markets, err = loadMarkets(cfg.MarketsFile); err != nil {
			return nil, err
		}
	}

	genesis := opts.Genesis
	if genesis.IsZero() {
		genesis = time.Now()
	}
	n.Clock = util.NewBlockClock(genesis)

	// ---- Storage ----
	var (
		states   orderstate.Backend
		records  reward.RecordBackend
		blocks   lob.BlockStore
		receipts lob.ReceiptStore
		watched  keeper.Store
		wal      lob.WAL
		mint     minter
	)
	if cfg.Node.DataDir != "" {
		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return nil, err
		}
		store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		fw, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "receipts.wal"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open wal: %w", err)
		}
		n.store, n.wal = store, fw
		states, records, blocks, receipts, watched, wal = store, store, store, store, store, fw
		n.Ledger, mint = store, store
	} else {
		nop := storage.NewNopWAL()
		n.wal, wal = nop, nop
		ml := reward.NewMemoryLedger()
		n.Ledger, mint = ml, memoryMinter{ml}
	}

	// ---- Perpetual stand-ins ----
	n.Feeds = perp.NewFeedRouter()
	for _, m := range markets.Markets {
		prices, err := m.PriceUnits()
		if err != nil {
			n.Close()
			return nil, err
		}
		var feed perp.Publisher
		switch m.Feed {
		case params.FeedLatest:
			f := perp.NewLatestOnlyFeed()
			n.Feeds.Route(m.MarketAddress(), f)
			feed = f
		default:
			f := perp.NewRoundFeed(m.Phase)
			n.Feeds.Route(m.MarketAddress(), f)
			feed = f
		}
		for _, p := range prices {
			if _, err := feed.PublishPrice(m.MarketAddress(), p, genesis); err != nil {
				n.Close()
				return nil, err
			}
		}
		n.Markets = append(n.Markets, m.MarketAddress())
	}
	n.Approvals = perp.NewDelegateApprovals()
	n.ClearingHouse = perp.NewClearingHouse(perp.ClearingHouseConfig{
		Feed:      n.Feeds,
		Approvals: n.Approvals,
		Clock:     n.Clock,
		FeeRatio:  markets.Fee(),
		IMRatio:   markets.IM(),
		Logger:    n.log.Named("clearinghouse"),
	})

	// ---- Book and vault ----
	domain := crypto.EIP712Domain{
		Name:              cfg.Chain.DomainName,
		Version:           cfg.Chain.DomainVersion,
		ChainID:           big.NewInt(cfg.Chain.ChainID),
		VerifyingContract: cfg.Chain.BookAddress,
	}

	var err error
	n.Vault, err = reward.NewVault(reward.Config{
		Address:    cfg.Reward.VaultAddress,
		Owner:      cfg.Chain.OwnerAddress,
		FillEngine: cfg.Chain.BookAddress,
		Token:      cfg.Reward.Token,
		Amount:     cfg.Reward.Amount,
		Policy:     cfg.Reward.Policy,
		Ledger:     n.Ledger,
		Records:    records,
		Events:     n.Events,
		Logger:     n.log.Named("vault"),
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to create reward vault: %w", err)
	}

	n.Book, err = limitorder.New(limitorder.Config{
		Address:       cfg.Chain.BookAddress,
		Owner:         cfg.Chain.OwnerAddress,
		Signer:        crypto.NewEIP712Signer(domain),
		States:        orderstate.NewStore(states),
		ClearingHouse: n.ClearingHouse,
		PriceFeed:     n.Feeds,
		Rewards:       n.Vault,
		MinOrderValue: cfg.Book.MinOrderValue,
		Whitelist:     cfg.Book.Whitelist,
		Clock:         n.Clock,
		Height:        n.Clock.Height,
		Events:        n.Events,
		Logger:        n.log.Named("book"),
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to create order book: %w", err)
	}

	n.App, err = lob.NewApp(lob.Config{
		Book:         n.Book,
		Verifier:     transaction.NewVerifier(domain),
		Clock:        n.Clock,
		Events:       n.Events,
		Oracle:       n.Feeds,
		Blocks:       blocks,
		Receipts:     receipts,
		WAL:          wal,
		MinBlockTime: cfg.Node.MinBlockTime,
		Logger:       n.log.Named("app"),
	})
	if err != nil {
		n.Close()
		return nil, err
	}

	if n.App.LastBlock().Height == 0 && cfg.Reward.Funding != nil && cfg.Reward.Funding.Sign() > 0 &&
		n.Ledger.BalanceOf(cfg.Reward.Token, cfg.Reward.VaultAddress).Sign() == 0 {
		if err := mint.Mint(cfg.Reward.Token, cfg.Reward.VaultAddress, cfg.Reward.Funding); err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to fund reward vault: %w", err)
		}
		n.log.Infow("vault_funded", "vault", cfg.Reward.VaultAddress.Hex(), "amount", cfg.Reward.Funding.String())
	}

	// ---- Keeper ----
	if cfg.Keeper.Enabled {
		n.Keeper, err = keeper.NewWatcher(keeper.Config{
			Book:       n.Book,
			Rounds:     n.Feeds,
			Payee:      cfg.Keeper.Address,
			Submitter:  n.App,
			Store:      watched,
			Clock:      n.Clock,
			RetryAfter: cfg.Keeper.RetryAfter,
			Logger:     n.log.Named("keeper"),
		})
		if err != nil {
			n.Close()
			return nil, err
		}
		n.App.OnBlock(n.Keeper.OnBlock)
	}

	// ---- Order feeder ----
	if cfg.Feeder.Enabled {
		fc := perp.DefaultFeederConfig()
		if cfg.Feeder.Mode == "high" {
			fc = perp.HighLoadFeederConfig()
		}
		fc.Markets = n.Markets
		if c := markets.CollateralUnits(); c != nil {
			fc.Collateral = c
		}
		deps := perp.FeederDeps{
			Signer:        crypto.NewEIP712Signer(domain),
			ClearingHouse: n.ClearingHouse,
			Approvals:     n.Approvals,
			Feed:          n.Feeds,
			Book:          cfg.Chain.BookAddress,
			Txs:           n.App,
			Clock:         n.Clock,
			Height:        func() uint64 { return n.App.LastBlock().Height },
			Logger:        n.log.Named("feeder"),
		}
		if n.Keeper != nil {
			deps.Orders = n.Keeper
		}
		n.Feeder, err = perp.NewOrderFeeder(fc, deps)
		if err != nil {
			n.Close()
			return nil, err
		}
	}

	// ---- P2P ----
	var relay api.Relay
	if cfg.Node.ListenAddr != "" {
		n.Net, err = p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.Node.ListenAddr,
			Bootstrap:  cfg.Node.Bootstrap,
			Logger:     n.log.Named("p2p"),
		})
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("libp2p init failed: %w", err)
		}
		n.Net.SetHandlers(p2p.Handlers{OnOrder: n.onGossipOrder, OnTx: n.onGossipTx})
		relay = n.Net
	}

	// ---- API ----
	var txLog string
	if cfg.Node.DataDir != "" {
		txLog = filepath.Join(cfg.Node.DataDir, "transactions.log")
	}
	n.API, err = api.NewServer(api.Config{
		App:            n.App,
		Vault:          n.Vault,
		Keeper:         n.Keeper,
		Positions:      n.ClearingHouse,
		Relay:          relay,
		KeeperAddress:  cfg.Keeper.Address,
		AllowedOrigins: cfg.Node.AllowedOrigins,
		TxLogPath:      txLog,
		Logger:         n.log.Named("api"),
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.App.OnBlock(n.API.Hub().BroadcastBlock)

	n.log.Infow("node_assembled",
		"book", cfg.Chain.BookAddress.Hex(),
		"chain_id", cfg.Chain.ChainID,
		"markets", len(n.Markets),
		"height", n.App.LastBlock().Height,
		"persistent", cfg.Node.DataDir != "",
		"keeper", n.Keeper != nil,
		"feeder", n.Feeder != nil,
		"p2p", n.Net != nil)
	return n, nil
}

func loadMarkets(path string) (*params.MarketsFile, error) {
	if path == "" {
		return params.DefaultMarkets(), nil
	}
	m, err := params.LoadMarkets(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load markets: %w", err)
	}
	return m, nil
}

// onGossipOrder hands a peer's order to the local keeper. Orders the book
// rejects for good are dropped quietly.
func (n *Node) onGossipOrder(ctx context.Context, w p2p.OrderWire) {
	if n.Keeper == nil {
		return
	}
	o, err := w.Order.ToOrder()
	if err != nil {
		return
	}
	sig, err := hexutil.Decode(w.Signature)
	if err != nil {
		return
	}
	if _, err := n.Keeper.AddOrder(ctx, o, sig, n.App.LastBlock().Height); err != nil {
		n.log.Debugw("gossip_order_rejected", "trader", o.Trader.Hex(), "code", limitorder.Classify(err).Code)
	}
}

func (n *Node) onGossipTx(_ context.Context, raw []byte) {
	if _, err := n.App.SubmitTx(raw); err != nil && !errors.Is(err, lob.ErrMempoolDupe) {
		n.log.Debugw("gossip_tx_rejected", "err", err)
	}
}

// Run produces blocks and serves the API, plus the feeder when enabled,
// until ctx is done or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := n.App.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("block production failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return n.API.Start(ctx, n.cfg.Node.APIAddr)
	})
	if n.Feeder != nil {
		stop := n.Feeder.Start(ctx)
		defer stop()
	}
	g.Go(func() error {
		n.progress(ctx)
		return nil
	})

	return g.Wait()
}

// progress logs the chain head every few blocks.
func (n *Node) progress(ctx context.Context) {
	const logInterval = 100
	var lastLogged uint64

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := n.App.LastBlock().Height
			if h-lastLogged >= logInterval || h <= 5 {
				fields := []any{"height", h, "mempool", n.App.PendingTxs(), "blocks_since_last_log", h - lastLogged}
				if n.Keeper != nil {
					fields = append(fields, "watched", len(n.Keeper.Orders()))
				}
				n.log.Infow("chain_progress", fields...)
				lastLogged = h
			}
		}
	}
}

// Close releases storage and the network host.
func (n *Node) Close() error {
	var errs []error
	if n.Net != nil {
		errs = append(errs, n.Net.Close())
	}
	if n.wal != nil {
		errs = append(errs, n.wal.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}

var (
	_ clearing.PriceFeed   = (*perp.FeedRouter)(nil)
	_ clearing.RoundSource = (*perp.FeedRouter)(nil)
	_ api.Positions        = (*perp.ClearingHouse)(nil)
)
