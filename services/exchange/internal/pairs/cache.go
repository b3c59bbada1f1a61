package pairs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const defaultTTL = 30 * time.Second

type Source interface {
	GetPair(ctx context.Context, symbol string) (*storage.Pair, error)
}

// Cache fronts pair lookups with Redis. Concurrent misses for one symbol
// share a single store read. A nil client turns the cache into a
// pass-through; Redis errors fall back to the store.
type Cache struct {
	source Source
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	group  singleflight.Group
	logger *slog.Logger
}

func NewCache(source Source, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{source: source, client: client, ttl: ttl, prefix: "exchange:pair:", logger: logger}
}

type record struct {
	Symbol      string          `json:"symbol"`
	BaseToken   string          `json:"base_token"`
	QuoteToken  string          `json:"quote_token"`
	MinQty      decimal.Decimal `json:"min_qty"`
	QtyScale    int32           `json:"qty_scale"`
	Active      bool            `json:"active"`
	VenueBacked bool            `json:"venue_backed"`
	VenueSymbol string          `json:"venue_symbol"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (c *Cache) GetPair(ctx context.Context, symbol string) (*storage.Pair, error) {
	if p, ok := c.lookup(ctx, symbol); ok {
		return p, nil
	}

	v, err, _ := c.group.Do(symbol, func() (any, error) {
		p, err := c.source.GetPair(ctx, symbol)
		if err != nil {
			return nil, err
		}
		c.store(ctx, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*storage.Pair)
	return &cp, nil
}

// Invalidate drops the cached entry so the next Get reads the store.
func (c *Cache) Invalidate(ctx context.Context, symbol string) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, c.prefix+symbol).Err(); err != nil {
		return fmt.Errorf("invalidate pair %s: %w", symbol, err)
	}
	return nil
}

func (c *Cache) lookup(ctx context.Context, symbol string) (*storage.Pair, bool) {
	if c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, c.prefix+symbol).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("pair cache read failed", "symbol", symbol, "error", err)
		}
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn("pair cache entry corrupt", "symbol", symbol, "error", err)
		return nil, false
	}
	return &storage.Pair{
		Symbol:      rec.Symbol,
		BaseToken:   rec.BaseToken,
		QuoteToken:  rec.QuoteToken,
		MinQty:      rec.MinQty,
		QtyScale:    rec.QtyScale,
		Active:      rec.Active,
		VenueBacked: rec.VenueBacked,
		VenueSymbol: rec.VenueSymbol,
		CreatedAt:   rec.CreatedAt,
	}, true
}

func (c *Cache) store(ctx context.Context, p *storage.Pair) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(record{
		Symbol:      p.Symbol,
		BaseToken:   p.BaseToken,
		QuoteToken:  p.QuoteToken,
		MinQty:      p.MinQty,
		QtyScale:    p.QtyScale,
		Active:      p.Active,
		VenueBacked: p.VenueBacked,
		VenueSymbol: p.VenueSymbol,
		CreatedAt:   p.CreatedAt,
	})
	if err != nil {
		c.logger.Warn("pair cache encode failed", "symbol", p.Symbol, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.prefix+p.Symbol, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("pair cache write failed", "symbol", p.Symbol, "error", err)
	}
}
