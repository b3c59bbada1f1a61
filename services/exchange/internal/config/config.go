package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Chrissou78/rwa-trade-core/libs/config"
	"github.com/Chrissou78/rwa-trade-core/libs/wallet"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type KafkaTopics struct {
	Trades        string
	Deposits      string
	Withdrawals   string
	Notifications string
	DeadLetter    string
}

type FeeConfig struct {
	Wallet      string
	MakerBps    int64
	TakerBps    int64
	SlippageBps int64
}

type VenueConfig struct {
	BaseURL          string
	APIKey           string
	Secret           string
	SpreadBps        int64
	FlatFee          decimal.Decimal
	Timeout          time.Duration
	RatePerSec       float64
	Burst            int
	BreakerFailures  int
	BreakerCooldown  time.Duration
	ReconcileEvery   time.Duration
	ReconcileGrace   time.Duration
	ExecutionTimeout time.Duration
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type Config struct {
	base.Base
	Topics        KafkaTopics
	Fees          FeeConfig
	Venue         VenueConfig
	RateLimit     RateLimitConfig
	PairCacheTTL  time.Duration
	NotifyTimeout time.Duration
	Pairs         []storage.Pair
}

func Load() (*Config, error) {
	v, b, err := base.Load(os.Getenv("RWA_CONFIG"), func(v *viper.Viper) {
		v.SetDefault("service_name", "exchange")
		v.SetDefault("http.port", 8082)
		v.SetDefault("grpc.port", 9092)
		v.SetDefault("kafka.consumer_group", "exchange")
		v.SetDefault("kafka.topics.trades", "exchange.trades")
		v.SetDefault("kafka.topics.deposits", "deposits.confirmed")
		v.SetDefault("kafka.topics.withdrawals", "withdrawals.settled")
		v.SetDefault("exchange.fee_wallet", "")
		v.SetDefault("exchange.maker_fee_bps", 10)
		v.SetDefault("exchange.taker_fee_bps", 20)
		v.SetDefault("exchange.slippage_bps", 100)
		v.SetDefault("exchange.pair_cache_ttl", "30s")
		v.SetDefault("exchange.notify_timeout", "3s")
		v.SetDefault("exchange.pairs", []string{})
		v.SetDefault("exchange.rate_limit.requests", 120)
		v.SetDefault("exchange.rate_limit.window", "1m")
		v.SetDefault("venue.base_url", "")
		v.SetDefault("venue.api_key", "")
		v.SetDefault("venue.secret", "")
		v.SetDefault("venue.spread_bps", 50)
		v.SetDefault("venue.flat_fee", "0")
		v.SetDefault("venue.timeout", "10s")
		v.SetDefault("venue.rate_per_sec", 10)
		v.SetDefault("venue.burst", 1)
		v.SetDefault("venue.breaker.max_failures", 5)
		v.SetDefault("venue.breaker.cooldown", "30s")
		v.SetDefault("venue.execution_timeout", "30s")
		v.SetDefault("venue.reconcile_interval", "1m")
		v.SetDefault("venue.reconcile_grace", "1m")
	})
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Base: *b,
		Topics: KafkaTopics{
			Trades:        v.GetString("kafka.topics.trades"),
			Deposits:      v.GetString("kafka.topics.deposits"),
			Withdrawals:   v.GetString("kafka.topics.withdrawals"),
			Notifications: b.Kafka.Notifications,
			DeadLetter:    b.Kafka.DeadLetter,
		},
		Fees: FeeConfig{
			MakerBps:    v.GetInt64("exchange.maker_fee_bps"),
			TakerBps:    v.GetInt64("exchange.taker_fee_bps"),
			SlippageBps: v.GetInt64("exchange.slippage_bps"),
		},
		Venue: VenueConfig{
			BaseURL:          strings.TrimSpace(v.GetString("venue.base_url")),
			APIKey:           v.GetString("venue.api_key"),
			Secret:           v.GetString("venue.secret"),
			SpreadBps:        v.GetInt64("venue.spread_bps"),
			Timeout:          v.GetDuration("venue.timeout"),
			RatePerSec:       v.GetFloat64("venue.rate_per_sec"),
			Burst:            v.GetInt("venue.burst"),
			BreakerFailures:  v.GetInt("venue.breaker.max_failures"),
			BreakerCooldown:  v.GetDuration("venue.breaker.cooldown"),
			ExecutionTimeout: v.GetDuration("venue.execution_timeout"),
			ReconcileEvery:   v.GetDuration("venue.reconcile_interval"),
			ReconcileGrace:   v.GetDuration("venue.reconcile_grace"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("exchange.rate_limit.requests"),
			Window:   v.GetDuration("exchange.rate_limit.window"),
		},
		PairCacheTTL:  v.GetDuration("exchange.pair_cache_ttl"),
		NotifyTimeout: v.GetDuration("exchange.notify_timeout"),
	}

	if raw := strings.TrimSpace(v.GetString("exchange.fee_wallet")); raw != "" {
		addr, err := wallet.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("exchange.fee_wallet: %w", err)
		}
		cfg.Fees.Wallet = addr
	}
	flat, err := decimal.NewFromString(strings.TrimSpace(v.GetString("venue.flat_fee")))
	if err != nil || flat.IsNegative() {
		return nil, fmt.Errorf("venue.flat_fee must be a non-negative decimal")
	}
	cfg.Venue.FlatFee = flat

	pairs, err := parsePairs(v.GetStringSlice("exchange.pairs"))
	if err != nil {
		return nil, err
	}
	cfg.Pairs = pairs

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, bps := range map[string]int64{
		"exchange.maker_fee_bps": c.Fees.MakerBps,
		"exchange.taker_fee_bps": c.Fees.TakerBps,
		"exchange.slippage_bps":  c.Fees.SlippageBps,
		"venue.spread_bps":       c.Venue.SpreadBps,
	} {
		if bps < 0 || bps >= 10000 {
			return fmt.Errorf("%s must be in [0, 10000)", name)
		}
	}
	if c.Topics.Trades == "" || c.Topics.Deposits == "" || c.Topics.Withdrawals == "" {
		return fmt.Errorf("kafka.topics.trades, deposits and withdrawals required")
	}
	if c.Venue.BaseURL != "" && (c.Venue.APIKey == "" || c.Venue.Secret == "") {
		return fmt.Errorf("venue.api_key and venue.secret required when venue.base_url is set")
	}
	if c.Venue.ReconcileEvery <= 0 {
		return fmt.Errorf("venue.reconcile_interval must be positive")
	}
	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("exchange.rate_limit.requests must not be negative")
	}
	return nil
}

// parsePairs reads SYMBOL:BASE:QUOTE:MIN_QTY:SCALE[:VENUE_SYMBOL] entries,
// given as a YAML list or one comma separated RWA_EXCHANGE_PAIRS value. A
// venue symbol marks the pair venue-backed.
func parsePairs(raw []string) ([]storage.Pair, error) {
	var out []storage.Pair
	for _, item := range raw {
		for _, entry := range strings.Split(item, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			parts := strings.Split(entry, ":")
			if len(parts) != 5 && len(parts) != 6 {
				return nil, fmt.Errorf("exchange.pairs: %q: want SYMBOL:BASE:QUOTE:MIN_QTY:SCALE[:VENUE_SYMBOL]", entry)
			}
			minQty, err := decimal.NewFromString(parts[3])
			if err != nil || !minQty.IsPositive() {
				return nil, fmt.Errorf("exchange.pairs: %q: min qty must be a positive decimal", entry)
			}
			scale, err := strconv.ParseInt(parts[4], 10, 32)
			if err != nil || scale < 0 || scale > 18 {
				return nil, fmt.Errorf("exchange.pairs: %q: scale must be between 0 and 18", entry)
			}
			p := storage.Pair{
				Symbol:     strings.ToUpper(parts[0]),
				BaseToken:  strings.ToUpper(parts[1]),
				QuoteToken: strings.ToUpper(parts[2]),
				MinQty:     minQty,
				QtyScale:   int32(scale),
				Active:     true,
			}
			if len(parts) == 6 && parts[5] != "" {
				p.VenueBacked = true
				p.VenueSymbol = strings.ToUpper(parts[5])
			}
			if p.Symbol == "" || p.BaseToken == "" || p.QuoteToken == "" || p.BaseToken == p.QuoteToken {
				return nil, fmt.Errorf("exchange.pairs: %q: symbol and two distinct tokens required", entry)
			}
			out = append(out, p)
		}
	}
	return out, nil
}
