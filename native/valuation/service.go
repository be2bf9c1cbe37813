package valuation

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"lendvault/core/events"
	"lendvault/core/types"
	"lendvault/native/fpmath"
)

var (
	errNilFeed       = errors.New("valuation service: price feed not configured")
	errAssetRequired = errors.New("valuation service: asset symbol required")
	errNilAmount     = errors.New("valuation service: amount must not be nil")

	// ErrDecimalsOutOfRange rejects quotes whose precision falls outside the
	// [6,18] window tolerated by the downstream fixed-point math.
	ErrDecimalsOutOfRange = errors.New("valuation service: price decimals out of range")
)

const (
	minPriceDecimals = 6
	maxPriceDecimals = 18

	reasonZeroAmount     = "zero amount"
	reasonFeedFailed     = "price oracle call failed"
	reasonQuoteStale     = "price oracle quote stale"
	reasonImplausible    = "price implausible"
	reasonNoFallback     = "no fallback price available"
	reasonFaceValue      = "stablecoin face value assumed"
	reasonConservative   = "conservative ratio applied to last known good price"
	healthReasonOK       = "fresh quote available"
	healthReasonNoQuote  = "price feed unreachable"
	healthReasonStale    = "quote older than freshness window"
	healthReasonDecimals = "quote decimals outside supported range"
)

// Valuation is the validated result of pricing an asset amount. Callers must
// branch on IsValid and may branch on UsedFallback; the raw feed price is
// never exposed.
type Valuation struct {
	Value        *big.Int
	IsValid      bool
	UsedFallback bool
	Reason       string
}

// HealthStatus reports the read-only oracle probe outcome.
type HealthStatus struct {
	Healthy bool
	Reason  string
}

// Service wraps the external price feed with plausibility validation and the
// conservative degradation policy. It owns no persistent state beyond the
// in-memory last-known-good cache.
type Service struct {
	mu       sync.RWMutex
	feed     PriceFeed
	params   Params
	lastGood map[string]Quote
	healthy  map[string]bool
	emitter  events.Emitter
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewService constructs a valuation service from the supplied feed and
// configuration.
func NewService(feed PriceFeed, cfg Config) (*Service, error) {
	params, err := cfg.Parameters()
	if err != nil {
		return nil, err
	}
	return &Service{
		feed:     feed,
		params:   params,
		lastGood: make(map[string]Quote),
		healthy:  make(map[string]bool),
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (s *Service) SetEmitter(emitter events.Emitter) {
	if s == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	s.mu.Lock()
	s.emitter = emitter
	s.mu.Unlock()
}

// SetLogger overrides the structured logger used for degradation records.
func (s *Service) SetLogger(logger *slog.Logger) {
	if s == nil || logger == nil {
		return
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

// GetValue prices the supplied amount of asset. The op label names the caller
// operation and is carried on degradation events so operators can reconcile
// fallback usage after the fact.
//
// Degraded feed conditions (call failure, stale or implausible quotes) are not
// errors: they resolve to a conservative fallback value flagged on the result.
// Validation and arithmetic failures return an error and no valuation.
func (s *Service) GetValue(asset string, amount *big.Int, op string) (Valuation, error) {
	if s == nil || s.feed == nil {
		return Valuation{}, errNilFeed
	}
	symbol := types.NormalizeAsset(asset)
	if symbol == "" {
		return Valuation{}, errAssetRequired
	}
	if amount == nil {
		return Valuation{}, errNilAmount
	}
	if err := fpmath.CheckRange(amount); err != nil {
		return Valuation{}, err
	}
	if amount.Sign() == 0 {
		return Valuation{Value: big.NewInt(0), IsValid: true, Reason: reasonZeroAmount}, nil
	}

	quote, err := s.feed.Quote(symbol)
	if err != nil {
		return s.degrade(symbol, amount, op, reasonFeedFailed)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return s.degrade(symbol, amount, op, reasonFeedFailed)
	}
	if s.maxQuoteAge() > 0 && s.now().Sub(quote.Timestamp) > s.maxQuoteAge() {
		return s.degrade(symbol, amount, op, reasonQuoteStale)
	}
	if quote.Decimals < minPriceDecimals || quote.Decimals > maxPriceDecimals {
		// A misconfigured low-precision asset corrupts downstream fixed-point
		// math; this fails closed rather than degrading.
		return Valuation{IsValid: false, Reason: ErrDecimalsOutOfRange.Error()}, nil
	}
	if !s.plausible(symbol, quote) {
		return s.degrade(symbol, amount, op, reasonImplausible)
	}

	value, err := fpmath.MulDiv(amount, quote.Price, fpmath.Pow10(quote.Decimals))
	if err != nil {
		return Valuation{}, err
	}

	s.mu.Lock()
	s.lastGood[symbol] = quote.Clone()
	s.mu.Unlock()
	s.markHealth(symbol, true, healthReasonOK)

	return Valuation{Value: value, IsValid: true}, nil
}

// degrade resolves the conservative fallback path and records the event.
func (s *Service) degrade(symbol string, amount *big.Int, op, reason string) (Valuation, error) {
	result := Valuation{UsedFallback: true, Reason: reason}

	switch {
	case s.params.UseStablecoinFaceValue && symbol == s.params.SettlementAsset:
		// Unit face value: one unit of the settlement asset is worth itself.
		result.Value = new(big.Int).Set(amount)
		result.IsValid = true
		result.Reason = reason + "; " + reasonFaceValue
	default:
		s.mu.RLock()
		last, ok := s.lastGood[symbol]
		s.mu.RUnlock()
		if !ok {
			result.Value = big.NewInt(0)
			result.IsValid = false
			result.Reason = reason + "; " + reasonNoFallback
			break
		}
		full, err := fpmath.MulDiv(amount, last.Price, fpmath.Pow10(last.Decimals))
		if err != nil {
			return Valuation{}, err
		}
		conservative, err := fpmath.ApplyBps(full, s.params.ConservativeRatioBps)
		if err != nil {
			return Valuation{}, err
		}
		result.Value = conservative
		result.IsValid = true
		result.Reason = reason + "; " + reasonConservative
	}

	s.markHealth(symbol, false, reason)
	s.emit(DegradedEvent{
		Asset:     symbol,
		Operation: op,
		Reason:    result.Reason,
		Value:     result.Value,
		IsValid:   result.IsValid,
	})
	s.log().Warn("valuation degraded",
		slog.String("asset", symbol),
		slog.String("operation", op),
		slog.String("reason", result.Reason),
		slog.Bool("valid", result.IsValid),
	)
	return result, nil
}

// plausible applies the reasonableness gates to a fresh quote. The last known
// good quote serves as the reference price; assets without history are only
// bounded by the absolute ceiling.
func (s *Service) plausible(symbol string, quote Quote) bool {
	if s.params.MaxReasonablePrice != nil {
		normalized, err := normalizeTo18(quote)
		if err != nil {
			return false
		}
		if normalized.Cmp(s.params.MaxReasonablePrice) > 0 {
			return false
		}
	}
	s.mu.RLock()
	ref, ok := s.lastGood[symbol]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	refNorm, err := normalizeTo18(ref)
	if err != nil || refNorm.Sign() == 0 {
		return true
	}
	quoteNorm, err := normalizeTo18(quote)
	if err != nil {
		return false
	}
	floor, err := fpmath.ApplyBps(refNorm, s.params.MinMultiplierBps)
	if err != nil {
		return false
	}
	ceiling, err := fpmath.ApplyBps(refNorm, s.params.MaxMultiplierBps)
	if err != nil {
		return false
	}
	return quoteNorm.Cmp(floor) >= 0 && quoteNorm.Cmp(ceiling) <= 0
}

// CheckOracleHealth probes the feed without mutating any service state. It
// never returns an error so monitoring paths cannot fail the caller.
func (s *Service) CheckOracleHealth(asset string) HealthStatus {
	if s == nil || s.feed == nil {
		return HealthStatus{Healthy: false, Reason: healthReasonNoQuote}
	}
	symbol := types.NormalizeAsset(asset)
	if symbol == "" {
		return HealthStatus{Healthy: false, Reason: errAssetRequired.Error()}
	}
	quote, err := s.feed.Quote(symbol)
	if err != nil || quote.Price == nil || quote.Price.Sign() <= 0 {
		return HealthStatus{Healthy: false, Reason: healthReasonNoQuote}
	}
	if s.maxQuoteAge() > 0 && s.now().Sub(quote.Timestamp) > s.maxQuoteAge() {
		return HealthStatus{Healthy: false, Reason: healthReasonStale}
	}
	if quote.Decimals < minPriceDecimals || quote.Decimals > maxPriceDecimals {
		return HealthStatus{Healthy: false, Reason: healthReasonDecimals}
	}
	return HealthStatus{Healthy: true, Reason: healthReasonOK}
}

// markHealth tracks per-asset feed health and emits a transition event when it
// flips.
func (s *Service) markHealth(symbol string, healthy bool, reason string) {
	s.mu.Lock()
	prev, seen := s.healthy[symbol]
	s.healthy[symbol] = healthy
	s.mu.Unlock()
	if seen && prev == healthy {
		return
	}
	s.emit(HealthChangedEvent{Asset: symbol, Healthy: healthy, Reason: reason})
}

func (s *Service) emit(evt events.Event) {
	s.mu.RLock()
	emitter := s.emitter
	s.mu.RUnlock()
	if emitter == nil {
		return
	}
	emitter.Emit(evt)
}

func (s *Service) log() *slog.Logger {
	s.mu.RLock()
	logger := s.logger
	s.mu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func (s *Service) now() time.Time {
	s.mu.RLock()
	nowFn := s.nowFn
	s.mu.RUnlock()
	if nowFn == nil {
		return time.Now().UTC()
	}
	return nowFn()
}

func (s *Service) maxQuoteAge() time.Duration { return s.params.MaxQuoteAge }

// normalizeTo18 rescales a quote price to 18 decimals so prices at different
// precisions compare directly.
func normalizeTo18(quote Quote) (*big.Int, error) {
	if quote.Decimals > maxPriceDecimals {
		return nil, ErrDecimalsOutOfRange
	}
	return fpmath.ScalePow10(quote.Price, maxPriceDecimals-quote.Decimals)
}
