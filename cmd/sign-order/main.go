package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/uhyunpark/limitorderbook/params"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

func main() {
	var (
		keyHex   = flag.String("key", "", "trader private key hex (generated when empty)")
		kind     = flag.String("type", "limit", "order type: limit, stop-loss, take-profit")
		market   = flag.String("market", params.DefaultMarkets().Markets[0].Address, "base token (market) address")
		side     = flag.String("side", "long", "long or short")
		amount   = flag.String("amount", "1000", "exact input amount (quote for long, base for short)")
		bound    = flag.String("bound", "0.45", "minimum output (base for long, quote for short)")
		trigger  = flag.String("trigger", "", "trigger price for stop-loss and take-profit")
		round    = flag.String("round", "", "oracle round id when created")
		ttl      = flag.Duration("ttl", 0, "deadline from now; 0 never expires")
		reduce   = flag.Bool("reduce-only", false, "only reduce an existing position")
		output   = flag.String("out", "order", "what to print: order, fill or cancel")
		keeperTo = flag.String("keeper", "", "reward payee for -out fill")
		fillAt   = flag.String("trigger-round", "", "round the trigger fired at, for -out fill")
	)
	flag.Parse()

	cfg, err := params.LoadFromEnv("")
	if err != nil {
		fail("config", err)
	}
	domain := crypto.EIP712Domain{
		Name:              cfg.Chain.DomainName,
		Version:           cfg.Chain.DomainVersion,
		ChainID:           big.NewInt(cfg.Chain.ChainID),
		VerifyingContract: cfg.Chain.BookAddress,
	}
	eip712 := crypto.NewEIP712Signer(domain)

	// Step 1: Generate or load key
	var signer *crypto.Signer
	if *keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	} else {
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(os.Stderr, "Generated key %s (private key %s, KEEP SECRET!)\n", signer.Address().Hex(), signer.PrivateKeyHex())
		}
	}
	if err != nil {
		fail("key", err)
	}

	// Step 2: Build order
	salt, err := crypto.GenerateSalt()
	if err != nil {
		fail("salt", err)
	}
	if !common.IsHexAddress(*market) {
		fail("market", fmt.Errorf("invalid address %q", *market))
	}
	o := order.Order{
		Salt:                salt,
		Trader:              signer.Address(),
		Market:              common.HexToAddress(*market),
		IsBaseToQuote:       strings.EqualFold(*side, "short"),
		IsExactInput:        true,
		Amount:              mustUnits("amount", *amount),
		OppositeAmountBound: mustUnits("bound", *bound),
		Deadline:            new(big.Int).Set(math.MaxBig256),
		ReduceOnly:          *reduce,
	}
	if *ttl > 0 {
		o.Deadline = big.NewInt(time.Now().Add(*ttl).Unix())
	}
	switch *kind {
	case "limit":
		o.Type = order.LimitOrder
	case "stop-loss":
		o.Type = order.StopLossLimitOrder
	case "take-profit":
		o.Type = order.TakeProfitLimitOrder
	default:
		fail("type", fmt.Errorf("unknown order type %q", *kind))
	}
	if o.Type.IsConditional() {
		if *trigger == "" {
			fail("trigger", fmt.Errorf("%s orders need -trigger", *kind))
		}
		o.TriggerPrice = mustUnits("trigger", *trigger)
		if *round != "" {
			r, ok := new(big.Int).SetString(*round, 0)
			if !ok {
				fail("round", fmt.Errorf("invalid round %q", *round))
			}
			o.RoundIDWhenCreated = r
		}
	}

	// Step 3: Sign with EIP-712 and verify
	sig, err := eip712.SignOrder(signer, &o)
	if err != nil {
		fail("sign", err)
	}
	hash, err := eip712.HashOrder(&o)
	if err != nil {
		fail("hash", err)
	}
	recovered, err := eip712.VerifySigner(&o, sig)
	if err != nil {
		fail("verify", err)
	}
	fmt.Fprintf(os.Stderr, "Order %s signed by %s\n", hash.Hex(), recovered.Hex())

	// Step 4: Print what the node accepts
	var out any
	switch *output {
	case "order":
		out = map[string]any{"order": order.FromOrder(&o), "signature": fmt.Sprintf("0x%x", sig)}
		fmt.Fprintln(os.Stderr, "Submit with: POST /api/v1/orders")
	case "fill":
		payee := signer.Address()
		if *keeperTo != "" {
			payee = common.HexToAddress(*keeperTo)
		}
		var at *big.Int
		if *fillAt != "" {
			v, ok := new(big.Int).SetString(*fillAt, 0)
			if !ok {
				fail("trigger-round", fmt.Errorf("invalid round %q", *fillAt))
			}
			at = v
		}
		out = transaction.NewFill(&o, sig, at, payee)
		fmt.Fprintln(os.Stderr, "Submit with: POST /api/v1/txs")
	case "cancel":
		csig, err := eip712.SignCancel(signer, hash)
		if err != nil {
			fail("sign cancel", err)
		}
		out = transaction.NewCancel(&o, csig)
		fmt.Fprintln(os.Stderr, "Submit with: POST /api/v1/txs")
	default:
		fail("out", fmt.Errorf("unknown output %q", *output))
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fail("marshal", err)
	}
	fmt.Println(string(data))
}

func mustUnits(name, s string) *big.Int {
	v, err := util.ParseUnits(s)
	if err != nil {
		fail(name, err)
	}
	return v
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", step, err)
	os.Exit(1)
}
