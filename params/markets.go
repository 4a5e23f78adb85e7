package params

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/limitorderbook/pkg/util"
)

const (
	FeedRounds = "round"  // keeps every round; conditional orders can fill
	FeedLatest = "latest" // latest answer only; conditional fills are refused
)

// MarketSeed describes one devnet market and its oracle history.
type MarketSeed struct {
	Symbol  string   `yaml:"symbol"`
	Address string   `yaml:"address"`
	Feed    string   `yaml:"feed"`
	Phase   uint16   `yaml:"phase"`
	Prices  []string `yaml:"prices"` // published in order at genesis
}

func (m MarketSeed) MarketAddress() common.Address { return common.HexToAddress(m.Address) }

// PriceUnits returns Prices as 18-decimal integers.
func (m MarketSeed) PriceUnits() ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(m.Prices))
	for _, p := range m.Prices {
		v, err := util.ParseUnits(p)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", m.Symbol, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// MarketsFile is the devnet perpetual stack: clearing house parameters plus
// the markets it lists.
type MarketsFile struct {
	Collateral string       `yaml:"collateral"` // per simulated trader
	FeeRatio   string       `yaml:"feeRatio"`
	IMRatio    string       `yaml:"imRatio"`
	Markets    []MarketSeed `yaml:"markets"`
}

func (f *MarketsFile) Fee() decimal.Decimal { return decimalOrZero(f.FeeRatio) }
func (f *MarketsFile) IM() decimal.Decimal  { return decimalOrZero(f.IMRatio) }

func decimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// CollateralUnits returns the per-trader deposit, or nil when unset.
func (f *MarketsFile) CollateralUnits() *big.Int {
	if f.Collateral == "" {
		return nil
	}
	v, err := util.ParseUnits(f.Collateral)
	if err != nil {
		return nil
	}
	return v
}

// LoadMarkets reads and validates a markets YAML file.
func LoadMarkets(path string) (*MarketsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMarkets(data)
}

func ParseMarkets(data []byte) (*MarketsFile, error) {
	var f MarketsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid markets file: %w", err)
	}
	return &f, nil
}

// Validate checks addresses, feed kinds and decimal fields.
func (f *MarketsFile) Validate() error {
	if len(f.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	for _, s := range []struct{ name, v string }{
		{"feeRatio", f.FeeRatio}, {"imRatio", f.IMRatio},
	} {
		if s.v == "" {
			continue
		}
		d, err := decimal.NewFromString(s.v)
		if err != nil || d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be in [0, 1): %q", s.name, s.v)
		}
	}
	if f.Collateral != "" {
		if _, err := util.ParseUnits(f.Collateral); err != nil {
			return fmt.Errorf("collateral: %w", err)
		}
	}

	seen := make(map[common.Address]bool)
	for i := range f.Markets {
		m := &f.Markets[i]
		if !common.IsHexAddress(m.Address) {
			return fmt.Errorf("market %q: invalid address %q", m.Symbol, m.Address)
		}
		addr := m.MarketAddress()
		if seen[addr] {
			return fmt.Errorf("market %q: duplicate address %s", m.Symbol, addr.Hex())
		}
		seen[addr] = true

		switch m.Feed {
		case "":
			m.Feed = FeedRounds
		case FeedRounds, FeedLatest:
		default:
			return fmt.Errorf("market %q: unknown feed %q", m.Symbol, m.Feed)
		}
		if len(m.Prices) == 0 {
			return fmt.Errorf("market %q: needs an initial price", m.Symbol)
		}
		prices, err := m.PriceUnits()
		if err != nil {
			return err
		}
		for _, p := range prices {
			if p.Sign() <= 0 {
				return fmt.Errorf("market %q: prices must be positive", m.Symbol)
			}
		}
	}
	return nil
}

// DefaultMarkets is used when no markets file is configured.
func DefaultMarkets() *MarketsFile {
	return &MarketsFile{
		Collateral: "100000",
		FeeRatio:   "0.001",
		IMRatio:    "0.1",
		Markets: []MarketSeed{
			{Symbol: "vETH", Address: "0x000000000000000000000000000000000000E7E1", Feed: FeedRounds, Phase: 1, Prices: []string{"2000"}},
			{Symbol: "vBTC", Address: "0x000000000000000000000000000000000000B7C1", Feed: FeedRounds, Phase: 1, Prices: []string{"40000"}},
		},
	}
}
