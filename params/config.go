package params

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/harvestchain/pkg/crypto"
	"github.com/uhyunpark/harvestchain/pkg/escrow"
)

// Hardhat's first dev account. Devnet default for every single-writer role.
const devDeployer = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

type Escrow struct {
	FeeBps      uint16
	FeeReceiver common.Address
	// Custody is the account that holds escrowed collateral.
	Custody common.Address
	Tiers   escrow.TierSchedule
	// SellerRole is a role label (e.g. "COOP_MEMBER"); empty disables the check.
	SellerRole     string
	MinSellerScore uint16
	Operators      []common.Address
}

// Roles are the single writers of the registries, oracles and token.
type Roles struct {
	Verifier         common.Address
	ScoreUpdater     common.Address
	PriceFeeder      common.Address
	DeliveryReporter common.Address
	TokenMinter      common.Address
}

type Token struct {
	Address  common.Address
	Symbol   string
	Decimals int32
}

type Node struct {
	APIAddr string
	// DataDir holds the pebble database; empty runs fully in memory.
	DataDir string
	LogFile string
	// JournalFile, when set, receives every committed event as a JSON line.
	JournalFile    string
	ChainID        int64
	AllowedOrigins []string

	// RequireSignatures makes every state-changing API call carry an
	// EIP-712 signature from its caller.
	RequireSignatures bool

	// Per-client request rate; zero disables limiting.
	RatePerSec float64
	RateBurst  int
	// TrustedProxies are peer IPs whose X-Forwarded-For names the client.
	TrustedProxies []string
}

type P2P struct {
	Enable    bool
	Listen    string
	Bootstrap []string
}

type Config struct {
	Escrow Escrow
	Roles  Roles
	Token  Token
	Node   Node
	P2P    P2P
}

func Default() Config {
	deployer := common.HexToAddress(devDeployer)
	return Config{
		Escrow: Escrow{
			FeeBps:      50,
			FeeReceiver: deployer,
			Custody:     common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
			Tiers:       escrow.DefaultTiers(),
		},
		Roles: Roles{
			Verifier:         deployer,
			ScoreUpdater:     deployer,
			PriceFeeder:      deployer,
			DeliveryReporter: deployer,
			TokenMinter:      deployer,
		},
		Token: Token{
			Address:  common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
			Symbol:   "mUSDC",
			Decimals: 6,
		},
		Node: Node{
			APIAddr:        ":8080",
			DataDir:        "data/escrow",
			LogFile:        "data/node.log",
			ChainID:        31337,
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			RatePerSec:     20,
			RateBurst:      40,
		},
		P2P: P2P{
			Listen: "/ip4/0.0.0.0/tcp/0",
		},
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
		_ = godotenv.Load() // loads .env from current directory
	}

	var errs []error
	addr := func(key string, dst *common.Address) {
		if v := os.Getenv(key); v != "" {
			if !common.IsHexAddress(v) {
				errs = append(errs, fmt.Errorf("%s: invalid address %q", key, v))
				return
			}
			*dst = common.HexToAddress(v)
		}
	}
	u16 := func(key string, dst *uint16) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = uint16(n)
		}
	}

	// ---- Node ----
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	if v, ok := os.LookupEnv("DATA_DIR"); ok {
		cfg.Node.DataDir = v // empty = in-memory
	}
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.JournalFile = getEnv("EVENT_JOURNAL", cfg.Node.JournalFile)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CHAIN_ID: %w", err))
		} else {
			cfg.Node.ChainID = n
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Node.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.Node.TrustedProxies = splitList(v)
		for _, p := range cfg.Node.TrustedProxies {
			if net.ParseIP(p) == nil {
				errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %q is not an IP", p))
			}
		}
	}
	cfg.Node.RequireSignatures = os.Getenv("REQUIRE_SIGNATURES") == "true"
	if v := os.Getenv("API_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("API_RATE_PER_SEC: %w", err))
		} else {
			cfg.Node.RatePerSec = f
		}
	}
	if v := os.Getenv("API_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("API_RATE_BURST: %w", err))
		} else {
			cfg.Node.RateBurst = n
		}
	}

	// ---- Escrow ----
	u16("FEE_BPS", &cfg.Escrow.FeeBps)
	addr("FEE_RECEIVER", &cfg.Escrow.FeeReceiver)
	addr("ESCROW_CUSTODY", &cfg.Escrow.Custody)
	cfg.Escrow.SellerRole = getEnv("SELLER_ROLE", cfg.Escrow.SellerRole)
	u16("MIN_SELLER_SCORE", &cfg.Escrow.MinSellerScore)
	if v := os.Getenv("ESCROW_OPERATORS"); v != "" {
		cfg.Escrow.Operators = nil
		for _, s := range splitList(v) {
			if !common.IsHexAddress(s) {
				errs = append(errs, fmt.Errorf("ESCROW_OPERATORS: invalid address %q", s))
				continue
			}
			cfg.Escrow.Operators = append(cfg.Escrow.Operators, common.HexToAddress(s))
		}
	}
	// A tier file wins over the inline list.
	if path := os.Getenv("TIER_SCHEDULE_FILE"); path != "" {
		ts, err := LoadTierFile(path)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Escrow.Tiers = ts
		}
	} else if v, ok := os.LookupEnv("DEPOSIT_TIERS"); ok {
		ts, err := escrow.ParseTiers(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEPOSIT_TIERS: %w", err))
		} else {
			cfg.Escrow.Tiers = ts
		}
	}

	// ---- Roles ----
	addr("ROLE_VERIFIER", &cfg.Roles.Verifier)
	addr("ROLE_SCORE_UPDATER", &cfg.Roles.ScoreUpdater)
	addr("ROLE_PRICE_FEEDER", &cfg.Roles.PriceFeeder)
	addr("ROLE_DELIVERY_REPORTER", &cfg.Roles.DeliveryReporter)
	addr("ROLE_TOKEN_MINTER", &cfg.Roles.TokenMinter)

	// ---- Token ----
	addr("COLLATERAL_TOKEN", &cfg.Token.Address)
	cfg.Token.Symbol = getEnv("COLLATERAL_SYMBOL", cfg.Token.Symbol)
	if v := os.Getenv("COLLATERAL_DECIMALS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("COLLATERAL_DECIMALS: %w", err))
		} else {
			cfg.Token.Decimals = int32(n)
		}
	}

	// ---- P2P ----
	cfg.P2P.Enable = os.Getenv("P2P_ENABLE") == "true"
	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// EscrowConfig is the ledger policy; SellerRole labels become role keys.
func (c Config) EscrowConfig() escrow.Config {
	ec := escrow.Config{
		FeeBps:         c.Escrow.FeeBps,
		FeeReceiver:    c.Escrow.FeeReceiver,
		Tiers:          c.Escrow.Tiers,
		MinSellerScore: c.Escrow.MinSellerScore,
		Operators:      c.Escrow.Operators,
	}
	if c.Escrow.SellerRole != "" {
		ec.SellerRole = crypto.ParseKey(c.Escrow.SellerRole)
	}
	return ec
}

// Domain is the EIP-712 domain signed API calls are bound to.
func (c Config) Domain() crypto.EIP712Domain {
	d := crypto.DefaultDomain()
	d.ChainID = big.NewInt(c.Node.ChainID)
	d.VerifyingContract = c.Escrow.Custody
	return d
}

func (c Config) Validate() error {
	if err := c.EscrowConfig().Validate(); err != nil {
		return err
	}
	if c.Escrow.Custody == (common.Address{}) {
		return errors.New("escrow custody must be set")
	}
	if c.Token.Address == (common.Address{}) {
		return errors.New("collateral token must be set")
	}
	if c.Token.Decimals < 0 || c.Token.Decimals > 18 {
		return fmt.Errorf("collateral decimals %d outside [0, 18]", c.Token.Decimals)
	}
	if c.Node.RatePerSec < 0 || c.Node.RateBurst < 0 {
		return errors.New("api rate limits must not be negative")
	}
	return nil
}

// tierFile is the YAML layout of TIER_SCHEDULE_FILE:
//
//	tiers:
//	  - min_score: 800
//	    max_bps: 2000
type tierFile struct {
	Tiers []escrow.Tier `yaml:"tiers"`
}

// LoadTierFile reads a deposit tier schedule from YAML.
func LoadTierFile(path string) (escrow.TierSchedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier schedule failed: %w", err)
	}
	var f tierFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse tier schedule failed: %w", err)
	}
	ts := escrow.TierSchedule(f.Tiers)
	if err := ts.Validate(); err != nil {
		return nil, fmt.Errorf("tier schedule %s: %w", path, err)
	}
	return ts.Sorted(), nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
