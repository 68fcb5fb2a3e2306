package pxpump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionchain/observability"
	"optionchain/services/optiond"
)

// FlagUnknown marks a quote taken in an unrecognised market state. Its price
// is zeroed.
const FlagUnknown uint32 = 16

// DefaultFlags maps market states to oracle flags.
var DefaultFlags = map[string]uint32{
	"PRE":      1,
	"POST":     2,
	"REGULAR":  4,
	"POSTPOST": 8,
}

// FlagTable merges overrides onto DefaultFlags. Keys are upper-cased.
func FlagTable(overrides map[string]uint32) map[string]uint32 {
	out := make(map[string]uint32, len(DefaultFlags)+len(overrides))
	for state, flag := range DefaultFlags {
		out[state] = flag
	}
	for state, flag := range overrides {
		out[strings.ToUpper(strings.TrimSpace(state))] = flag
	}
	return out
}

// Quote is one observation from the upstream source.
type Quote struct {
	Symbol      string
	Price       decimal.Decimal
	MarketState string
	Time        time.Time
}

// Source resolves the latest quote for the configured symbol.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Quote, error)
}

// Publisher pushes quotes onto the oracle.
type Publisher interface {
	PushQuote(ctx context.Context, oracle string, body optiond.QuoteBody) error
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, oracle string, body optiond.QuoteBody) error

// PushQuote implements Publisher.
func (f PublisherFunc) PushQuote(ctx context.Context, oracle string, body optiond.QuoteBody) error {
	if f == nil {
		return nil
	}
	return f(ctx, oracle, body)
}

// Settings captures the pump parameters.
type Settings struct {
	Oracle   string
	Decimals uint32
	Interval time.Duration
	MaxAge   time.Duration
	Flags    map[string]uint32
}

// Pump periodically copies upstream quotes onto the oracle.
type Pump struct {
	logger    *slog.Logger
	source    Source
	publisher Publisher
	settings  Settings
	nowFn     func() time.Time
	metrics   *observability.PxpumpMetrics

	mu   sync.Mutex
	last *optiond.QuoteBody
	once sync.Once
}

// Option configures a Pump.
type Option func(*Pump)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) {
		p.logger = l
	}
}

// WithClock overrides the clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pump) {
		p.nowFn = now
	}
}

// New constructs a pump instance.
func New(source Source, publisher Publisher, settings Settings, opts ...Option) (*Pump, error) {
	if source == nil {
		return nil, fmt.Errorf("source required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if strings.TrimSpace(settings.Oracle) == "" {
		return nil, fmt.Errorf("oracle required")
	}
	if settings.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if settings.Flags == nil {
		settings.Flags = FlagTable(nil)
	}
	p := &Pump{
		logger:    slog.Default(),
		source:    source,
		publisher: publisher,
		settings:  settings,
		nowFn:     time.Now,
		metrics:   observability.Pxpump(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.nowFn == nil {
		p.nowFn = time.Now
	}
	return p, nil
}

// Run blocks, periodically polling the source until the context is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("pump not configured")
	}
	ticker := time.NewTicker(p.settings.Interval)
	defer ticker.Stop()
	p.once.Do(func() {
		p.logger.Info("pxpump started",
			slog.String("source", p.source.Name()),
			slog.String("oracle", p.settings.Oracle),
			slog.Duration("interval", p.settings.Interval))
	})
	for {
		if _, err := p.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("pxpump tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fetches one quote and pushes it when it is fresh and differs from the
// last pushed quote. It reports whether a push happened.
func (p *Pump) Tick(ctx context.Context) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("pump not configured")
	}
	q, err := p.source.Fetch(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch %s: %w", p.source.Name(), err)
	}
	body, err := p.quoteBody(q)
	if err != nil {
		return false, err
	}
	age := p.nowFn().Sub(q.Time)
	if p.settings.MaxAge > 0 && age > p.settings.MaxAge {
		p.logger.Info("pxpump skipped stale quote",
			slog.String("symbol", body.Symbol),
			slog.Duration("age", age))
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != nil && *p.last == body {
		return false, nil
	}
	price, _ := new(big.Int).SetString(body.Price, 10)
	err = p.publisher.PushQuote(ctx, p.settings.Oracle, body)
	p.metrics.ObservePush(body.Symbol, price, age, err)
	if err != nil {
		return false, fmt.Errorf("push quote: %w", err)
	}
	p.last = &body
	p.logger.Info("pxpump pushed quote",
		slog.String("symbol", body.Symbol),
		slog.String("price", body.Price),
		slog.Uint64("flags", uint64(body.Flags)))
	return true, nil
}

func (p *Pump) quoteBody(q Quote) (optiond.QuoteBody, error) {
	symbol := strings.TrimSpace(q.Symbol)
	if symbol == "" {
		return optiond.QuoteBody{}, errors.New("quote symbol missing")
	}
	state := strings.ToUpper(strings.TrimSpace(q.MarketState))
	flags, known := p.settings.Flags[state]
	price := big.NewInt(0)
	if known {
		if q.Price.IsNegative() {
			return optiond.QuoteBody{}, fmt.Errorf("negative price %s for %s", q.Price, symbol)
		}
		price = optiond.ScaleFloor(q.Price, p.settings.Decimals)
	} else {
		flags = FlagUnknown
	}
	var ts uint64
	if !q.Time.IsZero() && q.Time.Unix() > 0 {
		ts = uint64(q.Time.Unix())
	}
	return optiond.QuoteBody{
		Symbol:    symbol,
		Price:     price.String(),
		Timestamp: ts,
		Flags:     flags,
		Decimals:  p.settings.Decimals,
	}, nil
}

// HTTPSource reads quotes from a JSON endpoint returning
// {"symbol","price","marketState","time"} with time in Unix seconds.
type HTTPSource struct {
	name   string
	url    string
	symbol string
	client *http.Client
}

// NewHTTPSource builds a source polling endpoint for symbol.
func NewHTTPSource(name, endpoint, symbol string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		name:   label(name, "http"),
		url:    strings.TrimSpace(endpoint),
		symbol: strings.TrimSpace(symbol),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string { return s.name }

type sourceQuote struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	MarketState string          `json:"marketState"`
	Time        int64           `json:"time"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (Quote, error) {
	endpoint, err := url.Parse(s.url)
	if err != nil {
		return Quote{}, err
	}
	if s.symbol != "" {
		query := endpoint.Query()
		query.Set("symbol", s.symbol)
		endpoint.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var payload sourceQuote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	symbol := payload.Symbol
	if symbol == "" {
		symbol = s.symbol
	}
	var ts time.Time
	if payload.Time > 0 {
		ts = time.Unix(payload.Time, 0).UTC()
	}
	return Quote{Symbol: symbol, Price: payload.Price, MarketState: payload.MarketState, Time: ts}, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
