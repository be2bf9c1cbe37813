package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendvault/core/types"
	"lendvault/native/common"
	"lendvault/native/fpmath"
	"lendvault/native/guarantee"
	"lendvault/native/ledger"
	"lendvault/native/risk"
	"lendvault/native/valuation"
	"lendvault/observability"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server exposes the platform engines over HTTP. Read endpoints are open;
// write endpoints pass through the per-client quota throttle and run one at a
// time under mu, keeping a single logical writer in front of the engines.
type Server struct {
	mu         sync.Mutex
	ledger     *ledger.Engine
	store      *guarantee.Store
	settlement *guarantee.SettlementEngine
	valuation  *valuation.Service
	funds      Funder
	tx         Transactor
	logger     *slog.Logger
	throttle   *Throttle
	metrics    *observability.GatewayMetrics
}

// Funder is the deposit surface the gateway exposes from the fund ledger.
type Funder interface {
	Credit(asset string, addr types.Address, amount *big.Int) error
	Balance(asset string, addr types.Address) (*big.Int, error)
}

// Transactor runs a mutation atomically: state writes issued inside fn reach
// the database only when fn succeeds.
type Transactor interface {
	WithinTransaction(fn func() error) error
}

// Deps bundles the server's constructor dependencies.
type Deps struct {
	Ledger     *ledger.Engine
	Store      *guarantee.Store
	Settlement *guarantee.SettlementEngine
	Valuation  *valuation.Service
	Funds      Funder
	Tx         Transactor
	Logger     *slog.Logger
	Quota      common.Quota
}

// NewServer wires the HTTP layer over the supplied engines.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:     deps.Ledger,
		store:      deps.Store,
		settlement: deps.Settlement,
		valuation:  deps.Valuation,
		funds:      deps.Funds,
		tx:         deps.Tx,
		logger:     logger,
		throttle:   NewThrottle(deps.Quota),
		metrics:    observability.Gateway(),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/positions/{user}/{asset}", s.getPosition)
		v1.Get("/health-factor/{user}/{asset}", s.getHealthFactor)
		v1.Get("/guarantees/{id}", s.getGuarantee)
		v1.Get("/oracle/health/{asset}", s.getOracleHealth)
		v1.Get("/balances/{user}/{asset}", s.getBalance)

		v1.Group(func(w chi.Router) {
			w.Use(s.throttled)
			w.Post("/funds/deposit", s.depositFunds)
			w.Post("/collateral/deposit", s.depositCollateral)
			w.Post("/collateral/withdraw", s.withdrawCollateral)
			w.Post("/debt/repay", s.repayDebt)
			w.Post("/guarantees", s.lockGuarantee)
			w.Post("/guarantees/{id}/settle/early", s.settleEarly)
			w.Post("/guarantees/{id}/settle/matured", s.settleMatured)
			w.Post("/guarantees/{id}/default", s.settleDefault)
		})
	})
	return r
}

// --- read endpoints ---

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	user, err := types.ParseAddress(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := s.ledger.GetPosition(user, chi.URLParam(r, "asset"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       pos.User.String(),
		"asset":      pos.Asset,
		"collateral": pos.Collateral.String(),
		"debt":       pos.Debt.String(),
	})
}

func (s *Server) getHealthFactor(w http.ResponseWriter, r *http.Request) {
	user, err := types.ParseAddress(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset := chi.URLParam(r, "asset")
	pos, err := s.ledger.GetPosition(user, asset)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	debtValue, err := s.ledger.TotalDebtValue(user)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	collateralValue := big.NewInt(0)
	if pos.Collateral.Sign() > 0 {
		val, err := s.valuation.GetValue(pos.Asset, pos.Collateral, "gateway.health_factor")
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		if !val.IsValid {
			writeError(w, http.StatusServiceUnavailable, errors.New("collateral value unavailable"))
			return
		}
		collateralValue = val.Value
	}
	factor := risk.HealthFactor(collateralValue, debtValue)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":            user.String(),
		"asset":           pos.Asset,
		"collateralValue": collateralValue.String(),
		"debtValue":       debtValue.String(),
		"healthFactorBps": factor.String(),
		"maximal":         factor.Cmp(risk.MaxHealthFactor) == 0,
	})
}

func (s *Server) getGuarantee(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guaranteeJSON(record))
}

func (s *Server) getOracleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.valuation.CheckOracleHealth(chi.URLParam(r, "asset"))
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": status.Healthy,
		"reason":  status.Reason,
	})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	user, err := types.ParseAddress(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset := types.NormalizeAsset(chi.URLParam(r, "asset"))
	balance, err := s.funds.Balance(asset, user)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user.String(),
		"asset":   asset,
		"balance": balance.String(),
	})
}

// --- write endpoints ---

type fundsRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) depositFunds(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, amount, err := parseUserAmount(req.User, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.atomic(func() error {
		return s.funds.Credit(types.NormalizeAsset(req.Asset), user, amount)
	}); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "credited"})
}

func (s *Server) depositCollateral(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, amount, err := parseUserAmount(req.User, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.atomic(func() error {
		return s.ledger.DepositCollateral(user, req.Asset, amount)
	}); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deposited"})
}

func (s *Server) withdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, amount, err := parseUserAmount(req.User, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.atomic(func() error {
		return s.ledger.WithdrawCollateral(user, req.Asset, amount)
	}); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "withdrawn"})
}

func (s *Server) repayDebt(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, amount, err := parseUserAmount(req.User, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.atomic(func() error {
		return s.ledger.RecordRepay(user, req.Asset, amount)
	}); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "repaid"})
}

type lockRequest struct {
	Borrower         string `json:"borrower"`
	Lender           string `json:"lender"`
	Asset            string `json:"asset"`
	Principal        string `json:"principal"`
	PromisedInterest string `json:"promisedInterest"`
	TermDays         uint64 `json:"termDays"`
}

func (s *Server) lockGuarantee(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := types.ParseAddress(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lender, err := types.ParseAddress(req.Lender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := parseAmount(req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	interest := big.NewInt(0)
	if req.PromisedInterest != "" {
		interest, err = parseAmount(req.PromisedInterest)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	var record *guarantee.Record
	err = s.atomic(func() error {
		var lockErr error
		record, lockErr = s.settlement.LockGuarantee(borrower, lender, req.Asset, principal, interest, req.TermDays)
		return lockErr
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, guaranteeJSON(record))
}

type earlyRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) settleEarly(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req earlyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var settlement *guarantee.Settlement
	err = s.atomic(func() error {
		var procErr error
		settlement, procErr = s.settlement.ProcessEarlyRepayment(id, amount)
		return procErr
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementJSON(settlement))
}

func (s *Server) settleMatured(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var settlement *guarantee.Settlement
	err = s.atomic(func() error {
		var procErr error
		settlement, procErr = s.settlement.ProcessMaturedRepayment(id)
		return procErr
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementJSON(settlement))
}

func (s *Server) settleDefault(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var settlement *guarantee.Settlement
	err = s.atomic(func() error {
		var procErr error
		settlement, procErr = s.settlement.ProcessDefault(id)
		return procErr
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementJSON(settlement))
}

// atomic serializes mutating calls and, when a transactor is wired, stages
// their state writes so a flow whose fund movement fails leaves no partial
// state behind.
func (s *Server) atomic(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return fn()
	}
	return s.tx.WithinTransaction(fn)
}

// --- middleware ---

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := r.Method + " " + routePattern(r)
		s.metrics.Observe(route, recorder.status, time.Since(start))
	})
}

func (s *Server) throttled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.throttle.Check(clientKey(r)); err != nil {
			s.metrics.Throttle(routePattern(r), "quota")
			s.logger.Warn("request throttled", "route", routePattern(r), "error", err)
			writeError(w, http.StatusTooManyRequests, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// --- helpers ---

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := engineStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routePattern(r), "error", err)
	}
	writeError(w, status, err)
}

func engineStatus(err error) int {
	switch {
	case errors.Is(err, guarantee.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, guarantee.ErrNotActive),
		errors.Is(err, guarantee.ErrActiveExists):
		return http.StatusConflict
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrDebtValueUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrOverpay),
		errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrHealthCheckFailed),
		errors.Is(err, guarantee.ErrSelfGuarantee),
		errors.Is(err, guarantee.ErrTermOutOfRange),
		errors.Is(err, guarantee.ErrInterestTooHigh),
		errors.Is(err, guarantee.ErrBeforeStart),
		errors.Is(err, guarantee.ErrNotEarly),
		errors.Is(err, guarantee.ErrNotMatured),
		errors.Is(err, guarantee.ErrNotDefaulted),
		errors.Is(err, guarantee.ErrInsufficientRepayment),
		errors.Is(err, guarantee.ErrInsufficientFunds),
		errors.Is(err, fpmath.ErrOverflow),
		errors.Is(err, fpmath.ErrNegative):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, requestBodyLimit)
	defer func() { _, _ = io.Copy(io.Discard, body) }()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseUserAmount(user, amount string) (types.Address, *big.Int, error) {
	addr, err := types.ParseAddress(user)
	if err != nil {
		return types.Address{}, nil, err
	}
	value, err := parseAmount(amount)
	if err != nil {
		return types.Address{}, nil, err
	}
	return addr, value, nil
}

func parseAmount(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	if err := fpmath.CheckRange(value); err != nil {
		return nil, err
	}
	return value, nil
}

func guaranteeJSON(record *guarantee.Record) map[string]any {
	return map[string]any{
		"id":               record.ID,
		"borrower":         record.Borrower.String(),
		"lender":           record.Lender.String(),
		"asset":            record.Asset,
		"principal":        record.Principal.String(),
		"promisedInterest": record.PromisedInterest.String(),
		"startTime":        record.StartTime,
		"maturityTime":     record.MaturityTime,
		"status":           record.Status.String(),
	}
}

func settlementJSON(s *guarantee.Settlement) map[string]any {
	return map[string]any{
		"outcome":     s.Outcome.String(),
		"principal":   s.Principal.String(),
		"interest":    s.Interest.String(),
		"penalty":     s.Penalty.String(),
		"platformFee": s.PlatformFee.String(),
		"totalPaid":   s.TotalPaid.String(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}
