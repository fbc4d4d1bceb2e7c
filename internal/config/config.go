package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/registry"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BRIDGEQ_"

type GlobalFlags struct {
	ConfigPath  string
	EnvFile     string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Timeout     string
	Retries     int
	NoCache     bool
	LogLevel    string
	Currency    string
	MaxRefresh  int
}

type Settings struct {
	OutputMode    string
	SelectFields  []string
	ResultsOnly   bool
	Timeout       time.Duration
	Retries       int
	Currency      string
	LogLevel      string
	LogFormat     string
	MetricsAddr   string
	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	// RateMaxAge bounds how old a cached native rate may be before it is
	// reported as stale.
	RateMaxAge    time.Duration
	AggregatorURL string
	PriceAPIURL   string
	LiFiURL       string
	RPCURLs       map[int64]string
	// QuoteSources names the quote sources fanned out per request.
	QuoteSources []string
	Engine       Engine
}

// Engine holds the feature flags consumed by the quote engine.
type Engine struct {
	MaxRefreshCount             int
	RefreshInterval             time.Duration
	MinimumFiatSrcAmount        decimal.Decimal
	SoftFiatSrcAmount           decimal.Decimal
	MaxReturnDifferencePct      float64
	ReturnTolerance             float64
	ETACeilingSeconds           int64
	CongestionBusyThreshold     float64
	SrcChainAllowlist           []int64
	DestChainAllowlist          []int64
	SettlementFeeChains         []int64
	QuoteDebounce               time.Duration
	RateDebounce                time.Duration
	InsufficientBalanceOverride bool
	GasEstimateLevel            string
}

type fileConfig struct {
	Output      string `yaml:"output"`
	Timeout     string `yaml:"timeout"`
	Retries     *int   `yaml:"retries"`
	Currency    string `yaml:"currency"`
	MetricsAddr string `yaml:"metrics_addr"`
	Log         struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled    *bool  `yaml:"enabled"`
		Path       string `yaml:"path"`
		LockPath   string `yaml:"lock_path"`
		RateMaxAge string `yaml:"rate_max_age"`
	} `yaml:"cache"`
	QuoteSources []string `yaml:"quote_sources"`
	Endpoints    struct {
		Aggregator string           `yaml:"aggregator"`
		Prices     string           `yaml:"prices"`
		LiFi       string           `yaml:"lifi"`
		RPC        map[int64]string `yaml:"rpc"`
	} `yaml:"endpoints"`
	Engine struct {
		MaxRefreshCount             *int     `yaml:"max_refresh_count"`
		RefreshInterval             string   `yaml:"refresh_interval"`
		MinimumFiatSrcAmount        string   `yaml:"minimum_fiat_src_amount"`
		SoftFiatSrcAmount           string   `yaml:"soft_fiat_src_amount"`
		MaxReturnDifferencePct      *float64 `yaml:"max_return_difference_pct"`
		ReturnTolerance             *float64 `yaml:"return_tolerance"`
		ETACeilingSeconds           *int64   `yaml:"eta_ceiling_seconds"`
		CongestionBusyThreshold     *float64 `yaml:"congestion_busy_threshold"`
		SrcChainAllowlist           []string `yaml:"src_chain_allowlist"`
		DestChainAllowlist          []string `yaml:"dest_chain_allowlist"`
		SettlementFeeChains         []string `yaml:"settlement_fee_chains"`
		QuoteDebounce               string   `yaml:"quote_debounce"`
		RateDebounce                string   `yaml:"rate_debounce"`
		InsufficientBalanceOverride *bool    `yaml:"insufficient_balance_override"`
		GasEstimateLevel            string   `yaml:"gas_estimate_level"`
	} `yaml:"engine"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := loadEnvFile(flags.EnvFile); err != nil {
		return Settings{}, err
	}
	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if err := validate(settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func DefaultEngine() Engine {
	return Engine{
		MaxRefreshCount:         5,
		RefreshInterval:         30 * time.Second,
		MinimumFiatSrcAmount:    decimal.NewFromInt(10),
		SoftFiatSrcAmount:       decimal.NewFromInt(30),
		MaxReturnDifferencePct:  0.8,
		ReturnTolerance:         0.8,
		ETACeilingSeconds:       3600,
		CongestionBusyThreshold: 0.66,
		SettlementFeeChains:     []int64{10, 8453},
		QuoteDebounce:           300 * time.Millisecond,
		RateDebounce:            time.Second,
		GasEstimateLevel:        "medium",
	}
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:    "json",
		Timeout:       10 * time.Second,
		Retries:       2,
		Currency:      "usd",
		LogLevel:      "warn",
		LogFormat:     "console",
		CacheEnabled:  true,
		CachePath:     cachePath,
		CacheLockPath: lockPath,
		RateMaxAge:    15 * time.Minute,
		AggregatorURL: registry.AggregatorBaseURL,
		PriceAPIURL:   registry.PriceAPIBaseURL,
		LiFiURL:       registry.LiFiBaseURL,
		RPCURLs:       map[int64]string{},
		QuoteSources:  []string{registry.ServiceAggregator},
		Engine:        DefaultEngine(),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "bridgeq", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "bridgeq")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

// loadEnvFile merges a dotenv file into the process environment without
// overriding variables that are already set. A missing default file is not
// an error.
func loadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "config timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Currency != "" {
		settings.Currency = strings.ToLower(cfg.Currency)
	}
	if cfg.MetricsAddr != "" {
		settings.MetricsAddr = cfg.MetricsAddr
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if err := setDuration(cfg.Cache.RateMaxAge, "config cache.rate_max_age", &settings.RateMaxAge); err != nil {
		return err
	}
	if cfg.Endpoints.Aggregator != "" {
		settings.AggregatorURL = cfg.Endpoints.Aggregator
	}
	if cfg.Endpoints.Prices != "" {
		settings.PriceAPIURL = cfg.Endpoints.Prices
	}
	if cfg.Endpoints.LiFi != "" {
		settings.LiFiURL = cfg.Endpoints.LiFi
	}
	if len(cfg.QuoteSources) > 0 {
		settings.QuoteSources = normalizeSources(cfg.QuoteSources)
	}
	for chainID, rpcURL := range cfg.Endpoints.RPC {
		settings.RPCURLs[chainID] = rpcURL
	}

	e := &settings.Engine
	if cfg.Engine.MaxRefreshCount != nil {
		e.MaxRefreshCount = *cfg.Engine.MaxRefreshCount
	}
	if err := setDuration(cfg.Engine.RefreshInterval, "config engine.refresh_interval", &e.RefreshInterval); err != nil {
		return err
	}
	if err := setDecimal(cfg.Engine.MinimumFiatSrcAmount, "config engine.minimum_fiat_src_amount", &e.MinimumFiatSrcAmount); err != nil {
		return err
	}
	if err := setDecimal(cfg.Engine.SoftFiatSrcAmount, "config engine.soft_fiat_src_amount", &e.SoftFiatSrcAmount); err != nil {
		return err
	}
	if cfg.Engine.MaxReturnDifferencePct != nil {
		e.MaxReturnDifferencePct = *cfg.Engine.MaxReturnDifferencePct
	}
	if cfg.Engine.ReturnTolerance != nil {
		e.ReturnTolerance = *cfg.Engine.ReturnTolerance
	}
	if cfg.Engine.ETACeilingSeconds != nil {
		e.ETACeilingSeconds = *cfg.Engine.ETACeilingSeconds
	}
	if cfg.Engine.CongestionBusyThreshold != nil {
		e.CongestionBusyThreshold = *cfg.Engine.CongestionBusyThreshold
	}
	if err := setChains(cfg.Engine.SrcChainAllowlist, "config engine.src_chain_allowlist", &e.SrcChainAllowlist); err != nil {
		return err
	}
	if err := setChains(cfg.Engine.DestChainAllowlist, "config engine.dest_chain_allowlist", &e.DestChainAllowlist); err != nil {
		return err
	}
	if err := setChains(cfg.Engine.SettlementFeeChains, "config engine.settlement_fee_chains", &e.SettlementFeeChains); err != nil {
		return err
	}
	if err := setDuration(cfg.Engine.QuoteDebounce, "config engine.quote_debounce", &e.QuoteDebounce); err != nil {
		return err
	}
	if err := setDuration(cfg.Engine.RateDebounce, "config engine.rate_debounce", &e.RateDebounce); err != nil {
		return err
	}
	if cfg.Engine.InsufficientBalanceOverride != nil {
		e.InsufficientBalanceOverride = *cfg.Engine.InsufficientBalanceOverride
	}
	if cfg.Engine.GasEstimateLevel != "" {
		e.GasEstimateLevel = strings.ToLower(cfg.Engine.GasEstimateLevel)
	}
	return nil
}

func applyEnv(settings *Settings) error {
	if v := getenv("OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := getenv("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := getenv("RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := getenv("CURRENCY"); v != "" {
		settings.Currency = strings.ToLower(v)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		settings.MetricsAddr = v
	}
	if v := getenv("NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := getenv("CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := getenv("CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := getenv("AGGREGATOR_URL"); v != "" {
		settings.AggregatorURL = v
	}
	if v := getenv("PRICE_API_URL"); v != "" {
		settings.PriceAPIURL = v
	}
	if v := getenv("LIFI_URL"); v != "" {
		settings.LiFiURL = v
	}
	if v := getenv("QUOTE_SOURCES"); v != "" {
		settings.QuoteSources = normalizeSources(strings.Split(v, ","))
	}

	e := &settings.Engine
	if v := getenv("MAX_REFRESH_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.MaxRefreshCount = n
		}
	}
	if v := getenv("REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			e.RefreshInterval = d
		}
	}
	if v := getenv("INSUFFICIENT_BALANCE_OVERRIDE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			e.InsufficientBalanceOverride = b
		}
	}
	if v := getenv("GAS_ESTIMATE_LEVEL"); v != "" {
		e.GasEstimateLevel = strings.ToLower(v)
	}
	if v := getenv("SRC_CHAIN_ALLOWLIST"); v != "" {
		if err := setChains(strings.Split(v, ","), envPrefix+"SRC_CHAIN_ALLOWLIST", &e.SrcChainAllowlist); err != nil {
			return err
		}
	}
	if v := getenv("DEST_CHAIN_ALLOWLIST"); v != "" {
		if err := setChains(strings.Split(v, ","), envPrefix+"DEST_CHAIN_ALLOWLIST", &e.DestChainAllowlist); err != nil {
			return err
		}
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.Currency != "" {
		settings.Currency = strings.ToLower(flags.Currency)
	}
	if flags.MaxRefresh >= 0 {
		settings.Engine.MaxRefreshCount = flags.MaxRefresh
	}
	return nil
}

func validate(settings Settings) error {
	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if !registry.IsAllowedEndpoint(registry.ServiceAggregator, settings.AggregatorURL) {
		return fmt.Errorf("aggregator endpoint must be an https url or a loopback address")
	}
	if !registry.IsAllowedEndpoint(registry.ServicePrices, settings.PriceAPIURL) {
		return fmt.Errorf("price api endpoint must be an https url or a loopback address")
	}
	if !registry.IsAllowedEndpoint(registry.ServiceLiFi, settings.LiFiURL) {
		return fmt.Errorf("lifi endpoint must be an https url or a loopback address")
	}
	if len(settings.QuoteSources) == 0 {
		return fmt.Errorf("at least one quote source is required")
	}
	for _, name := range settings.QuoteSources {
		if name != registry.ServiceAggregator && name != registry.ServiceLiFi {
			return fmt.Errorf("unknown quote source %q", name)
		}
	}
	e := settings.Engine
	switch e.GasEstimateLevel {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("gas_estimate_level must be low, medium or high")
	}
	if e.MaxRefreshCount < 0 {
		return fmt.Errorf("max_refresh_count must not be negative")
	}
	if e.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if e.MinimumFiatSrcAmount.IsNegative() || e.SoftFiatSrcAmount.IsNegative() {
		return fmt.Errorf("fiat amount thresholds must not be negative")
	}
	if e.ReturnTolerance <= 0 || e.ReturnTolerance > 1 {
		return fmt.Errorf("return_tolerance must be in (0, 1]")
	}
	if e.ETACeilingSeconds <= 0 {
		return fmt.Errorf("eta_ceiling_seconds must be positive")
	}
	if e.CongestionBusyThreshold < 0 || e.CongestionBusyThreshold > 1 {
		return fmt.Errorf("congestion_busy_threshold must be in [0, 1]")
	}
	return nil
}

func normalizeSources(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, name := range raw {
		if n := strings.ToLower(strings.TrimSpace(name)); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func setDuration(raw, field string, dst *time.Duration) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func setDecimal(raw, field string, dst *decimal.Decimal) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// setChains resolves chain slugs or ids. A nil list leaves dst unchanged; an
// explicitly empty list clears it.
func setChains(raw []string, field string, dst *[]int64) error {
	if raw == nil {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, item := range raw {
		if strings.TrimSpace(item) == "" {
			continue
		}
		chain, err := id.ParseChain(item)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, chain.ChainID)
	}
	*dst = out
	return nil
}
