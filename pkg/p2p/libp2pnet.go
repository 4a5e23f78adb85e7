// Package p2p relays signed orders and transactions between nodes over
// libp2p: orders are gossiped to every keeper, transactions reach the
// sequencer by gossip or by direct stream.
package p2p

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitorderbook/pkg/util"
)

const (
	topicOrders = "lob-orders/1"
	topicTxs    = "lob-txs/1"
	protocolTx  = protocol.ID("/lob/tx/1.0.0")

	maxStreamBytes = 1 << 20
)

// Handlers receive inbound messages. Either may be nil.
type Handlers struct {
	OnOrder func(ctx context.Context, w OrderWire)
	OnTx    func(ctx context.Context, raw []byte)
}

type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tOrders, tTxs     *pubsub.Topic
	subOrders, subTxs *pubsub.Subscription

	muH      sync.RWMutex
	handlers Handlers
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &Libp2pNet{h: h, ps: ps, log: util.OrNop(cfg.Logger)}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := n.joinTopics(); err != nil {
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolTx, n.handleTxStream)

	go n.handleOrders(ctx)
	go n.handleTxs(ctx)

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tOrders, err = n.ps.Join(topicOrders); err != nil {
		return err
	}
	if n.tTxs, err = n.ps.Join(topicTxs); err != nil {
		return err
	}
	if n.subOrders, err = n.tOrders.Subscribe(); err != nil {
		return err
	}
	if n.subTxs, err = n.tTxs.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) SetHandlers(h Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *Libp2pNet) Host() host.Host { return n.h }

// Connect dials a peer by its full /p2p multiaddr.
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, n.h, addr)
}

func (n *Libp2pNet) Close() error {
	n.subOrders.Cancel()
	n.subTxs.Cancel()
	return n.h.Close()
}

// BroadcastOrder gossips a signed order to every keeper.
func (n *Libp2pNet) BroadcastOrder(ctx context.Context, w OrderWire) error {
	data, err := encode(w)
	if err != nil {
		return err
	}
	return n.tOrders.Publish(ctx, data)
}

// BroadcastTx gossips a raw transaction.
func (n *Libp2pNet) BroadcastTx(ctx context.Context, raw []byte) error {
	data, err := encode(TxWire{Tx: raw})
	if err != nil {
		return err
	}
	return n.tTxs.Publish(ctx, data)
}

// ForwardTx sends a raw transaction straight to one peer, normally the
// sequencer.
func (n *Libp2pNet) ForwardTx(ctx context.Context, to peer.ID, raw []byte) error {
	if to == "" {
		return errors.New("no sequencer peer")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := n.h.NewStream(ctx, to, protocolTx)
	if err != nil {
		return err
	}
	defer stream.Close()

	data, err := encode(TxWire{Tx: raw})
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

// inbound

func (n *Libp2pNet) currentHandlers() Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

func (n *Libp2pNet) handleOrders(ctx context.Context) {
	for {
		msg, err := n.subOrders.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w OrderWire
		if err := decode(msg.Data, &w); err != nil {
			n.log.Debugw("order_gossip_invalid", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if h := n.currentHandlers(); h.OnOrder != nil {
			h.OnOrder(ctx, w)
		}
	}
}

func (n *Libp2pNet) handleTxs(ctx context.Context) {
	for {
		msg, err := n.subTxs.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w TxWire
		if err := decode(msg.Data, &w); err != nil {
			n.log.Debugw("tx_gossip_invalid", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if h := n.currentHandlers(); h.OnTx != nil {
			h.OnTx(ctx, w.Tx)
		}
	}
}

func (n *Libp2pNet) handleTxStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(io.LimitReader(s, maxStreamBytes))
	if err != nil {
		return
	}
	var w TxWire
	if err := decode(data, &w); err != nil {
		return
	}
	if h := n.currentHandlers(); h.OnTx != nil {
		h.OnTx(context.Background(), w.Tx)
	}
}
