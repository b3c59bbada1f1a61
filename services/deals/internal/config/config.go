package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	base "github.com/Chrissou78/rwa-trade-core/libs/config"
	"github.com/Chrissou78/rwa-trade-core/libs/wallet"
	"github.com/spf13/viper"
)

type KafkaTopics struct {
	Events        string
	Notifications string
	DeadLetter    string
}

type Config struct {
	base.Base
	Topics        KafkaTopics
	Arbiters      []string
	DisputeWindow time.Duration
	NotifyTimeout time.Duration
}

func Load() (*Config, error) {
	v, b, err := base.Load(os.Getenv("RWA_CONFIG"), func(v *viper.Viper) {
		v.SetDefault("service_name", "deals")
		v.SetDefault("http.port", 8081)
		v.SetDefault("grpc.port", 9091)
		v.SetDefault("kafka.topics.deal_events", "deals.events")
		v.SetDefault("deals.arbiters", []string{})
		v.SetDefault("deals.dispute_window", "336h")
		v.SetDefault("deals.notify_timeout", "3s")
	})
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Base: *b,
		Topics: KafkaTopics{
			Events:        v.GetString("kafka.topics.deal_events"),
			Notifications: b.Kafka.Notifications,
			DeadLetter:    b.Kafka.DeadLetter,
		},
		DisputeWindow: v.GetDuration("deals.dispute_window"),
		NotifyTimeout: v.GetDuration("deals.notify_timeout"),
	}

	arbiters, err := parseArbiters(v.GetStringSlice("deals.arbiters"))
	if err != nil {
		return nil, err
	}
	cfg.Arbiters = arbiters

	if cfg.DisputeWindow <= 0 {
		return nil, fmt.Errorf("deals.dispute_window must be positive")
	}
	if cfg.Topics.Events == "" {
		return nil, fmt.Errorf("kafka.topics.deal_events required")
	}
	return cfg, nil
}

// parseArbiters accepts a YAML list or a comma separated RWA_DEALS_ARBITERS
// value and rejects anything that is not a wallet address.
func parseArbiters(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			addr, err := wallet.Normalize(part)
			if err != nil {
				return nil, fmt.Errorf("deals.arbiters: %q: %w", part, err)
			}
			out = append(out, addr)
		}
	}
	return out, nil
}
