package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

type Chain struct {
	ChainID       int64
	DomainName    string
	DomainVersion string
	BookAddress   common.Address // verifying contract and delegate identity
	OwnerAddress  common.Address // admin of the book and the vault
}

type Book struct {
	// MinOrderValue is the quote floor for fills. Zero disables it.
	MinOrderValue *big.Int
	Whitelist     []common.Address // contract callers allowed to fill
}

type Reward struct {
	VaultAddress common.Address
	Token        common.Address
	Amount       *big.Int
	Policy       reward.Policy
	Funding      *big.Int // minted to the vault at devnet genesis
}

type Node struct {
	DataDir        string // empty keeps all state in memory
	LogFile        string
	LogLevel       string
	APIAddr        string
	AllowedOrigins []string
	ListenAddr     string
	Bootstrap      []string
	// MinBlockTime is the block interval. Empty blocks are produced too, so
	// it also bounds how late an expired order can still be seen as live.
	MinBlockTime time.Duration
}

type Keeper struct {
	Enabled    bool
	Address    common.Address // reward payee
	RetryAfter uint64         // blocks before an unresolved fill is resubmitted
}

type Feeder struct {
	Enabled bool
	Mode    string // default|high
}

type Config struct {
	Chain       Chain
	Book        Book
	Reward      Reward
	Node        Node
	Keeper      Keeper
	Feeder      Feeder
	MarketsFile string // empty uses DefaultMarkets
}

func Default() Config {
	return Config{
		Chain: Chain{
			ChainID:       1337,
			DomainName:    "Perpetual Protocol v2 Limit Order",
			DomainVersion: "1",
			BookAddress:   common.HexToAddress("0x000000000000000000000000000000000000B00C"),
			OwnerAddress:  common.HexToAddress("0x000000000000000000000000000000000000A11C"),
		},
		Book: Book{
			MinOrderValue: util.MustParseUnits("100"),
		},
		Reward: Reward{
			VaultAddress: common.HexToAddress("0x000000000000000000000000000000000000FA17"),
			Token:        common.HexToAddress("0x000000000000000000000000000000000000DE11"),
			Amount:       util.MustParseUnits("1"),
			Policy:       reward.PolicyGraceful,
			Funding:      util.MustParseUnits("10000"),
		},
		Node: Node{
			LogFile:        "data/node.log",
			LogLevel:       "info",
			APIAddr:        ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			MinBlockTime:   time.Second,
		},
		Keeper: Keeper{
			Enabled:    true,
			Address:    common.HexToAddress("0x000000000000000000000000000000000000CEE9"),
			RetryAfter: 5,
		},
		Feeder: Feeder{Mode: "default"},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var err error
	set := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, e := strconv.ParseInt(v, 10, 64)
		set(wrap("CHAIN_ID", e))
		cfg.Chain.ChainID = id
	}
	cfg.Chain.DomainName = getEnv("EIP712_NAME", cfg.Chain.DomainName)
	cfg.Chain.DomainVersion = getEnv("EIP712_VERSION", cfg.Chain.DomainVersion)
	set(envAddress("BOOK_ADDRESS", &cfg.Chain.BookAddress))
	set(envAddress("OWNER_ADDRESS", &cfg.Chain.OwnerAddress))

	set(envUnits("MIN_ORDER_VALUE", &cfg.Book.MinOrderValue))
	if v := os.Getenv("CONTRACT_WHITELIST"); v != "" {
		for _, s := range splitList(v) {
			if !common.IsHexAddress(s) {
				set(fmt.Errorf("CONTRACT_WHITELIST: invalid address %q", s))
				continue
			}
			cfg.Book.Whitelist = append(cfg.Book.Whitelist, common.HexToAddress(s))
		}
	}

	set(envAddress("VAULT_ADDRESS", &cfg.Reward.VaultAddress))
	set(envAddress("REWARD_TOKEN", &cfg.Reward.Token))
	set(envUnits("REWARD_AMOUNT", &cfg.Reward.Amount))
	set(envUnits("REWARD_FUNDING", &cfg.Reward.Funding))
	if v := os.Getenv("REWARD_POLICY"); v != "" {
		p, e := reward.ParsePolicy(v)
		set(wrap("REWARD_POLICY", e))
		cfg.Reward.Policy = p
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if cfg.Node.LogFile == "off" {
		cfg.Node.LogFile = ""
	}
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.ListenAddr = getEnv("LISTEN", cfg.Node.ListenAddr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Node.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Node.Bootstrap = splitList(v)
	}
	if minBlock := os.Getenv("NODE_MIN_BLOCK_TIME_MS"); minBlock != "" {
		if ms, e := strconv.Atoi(minBlock); e == nil && ms > 0 {
			cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
		} else {
			set(fmt.Errorf("NODE_MIN_BLOCK_TIME_MS: invalid value %q", minBlock))
		}
	}

	if v := os.Getenv("ENABLE_KEEPER"); v != "" {
		cfg.Keeper.Enabled = v == "true"
	}
	set(envAddress("KEEPER_ADDRESS", &cfg.Keeper.Address))
	if v := os.Getenv("KEEPER_RETRY_BLOCKS"); v != "" {
		n, e := strconv.ParseUint(v, 10, 64)
		set(wrap("KEEPER_RETRY_BLOCKS", e))
		cfg.Keeper.RetryAfter = n
	}

	cfg.Feeder.Enabled = os.Getenv("ENABLE_TXGEN") == "true"
	cfg.Feeder.Mode = getEnv("TXGEN_MODE", cfg.Feeder.Mode)
	cfg.MarketsFile = getEnv("MARKETS_FILE", cfg.MarketsFile)

	return cfg, err
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envAddress(key string, dst *common.Address) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if !common.IsHexAddress(v) {
		return fmt.Errorf("%s: invalid address %q", key, v)
	}
	*dst = common.HexToAddress(v)
	return nil
}

// envUnits parses a decimal amount such as "0.5" into 18-decimal units.
func envUnits(key string, dst **big.Int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	amount, err := util.ParseUnits(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = amount
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func wrap(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", key, err)
}
