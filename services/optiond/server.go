package optiond

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"optionchain/gateway/auth"
	"optionchain/gateway/middleware"
	nativecommon "optionchain/native/common"
	"optionchain/native/option"
	"optionchain/native/option/payoff"
	"optionchain/native/oracle"
	"optionchain/observability"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Node          *Node
	Signatures    *auth.Authenticator
	Operator      *middleware.Authenticator
	RateLimits    map[string]middleware.RateLimit
	Observability *middleware.Observability
	MaxBodyBytes  int64
	Logger        *slog.Logger
}

// Server exposes the hosted engines over HTTP.
type Server struct {
	node    *Node
	logger  *slog.Logger
	metrics *observability.OptionMetrics
	router  http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Node == nil {
		return nil, errors.New("optiond: node required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Operator == nil {
		cfg.Operator = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger)
	}
	if cfg.Observability == nil {
		cfg.Observability = middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, cfg.Logger)
	}
	srv := &Server{
		node:    cfg.Node,
		logger:  cfg.Logger,
		metrics: observability.Options(),
	}
	srv.router = srv.buildRouter(cfg)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	limiter := middleware.NewRateLimiter(cfg.RateLimits, cfg.Logger)
	obs := cfg.Observability
	admin := cfg.Operator.Middleware(middleware.ScopeAdmin)
	pump := cfg.Operator.Middleware(middleware.ScopePump)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	r.Route("/v1/options", func(sr chi.Router) {
		sr.Use(obs.Middleware("options"))
		sr.Use(limiter.Middleware("options"))
		sr.Use(middleware.Signatures(cfg.Signatures, cfg.MaxBodyBytes, cfg.Logger))
		sr.Get("/", s.ListInstances)
		sr.Route("/{instance}", func(ir chi.Router) {
			ir.Get("/specs", s.Specs)
			ir.With(admin).Post("/init", s.Init)
			ir.With(admin).Post("/list", s.List)
			ir.With(admin).Post("/killswitch", s.Killswitch)
			ir.Post("/fund", s.Fund)
			ir.Post("/refresh", s.RefreshPrice)
			ir.Post("/mtm", s.MarkToMarket)
			ir.Post("/settle", s.Settle)
		})
	})
	r.Route("/v1/oracles", func(sr chi.Router) {
		sr.Use(obs.Middleware("oracles"))
		sr.Use(limiter.Middleware("oracles"))
		sr.Use(middleware.Signatures(cfg.Signatures, cfg.MaxBodyBytes, cfg.Logger))
		sr.Get("/{oracle}", s.OracleInfo)
		sr.With(pump).Post("/{oracle}/update", s.OracleUpdate)
		sr.With(admin).Post("/{oracle}/pump-hash", s.OraclePumpHash)
	})
	return r
}

func (s *Server) instance(w http.ResponseWriter, r *http.Request) (*option.Engine, bool) {
	id := chi.URLParam(r, "instance")
	engine, ok := s.node.Option(id)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: instance %q", errNotFound, id))
		return nil, false
	}
	return engine, true
}

func (s *Server) oracle(w http.ResponseWriter, r *http.Request) (*oracle.Engine, bool) {
	name := chi.URLParam(r, "oracle")
	engine, ok := s.node.Oracle(name)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: oracle %q", errNotFound, name))
		return nil, false
	}
	return engine, true
}

// ListInstances returns the hosted instance ids.
func (s *Server) ListInstances(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"instances": s.node.InstanceIDs()})
}

// Specs returns the read-only projection of an instance.
func (s *Server) Specs(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.instance(w, r)
	if !ok {
		return
	}
	specs, err := engine.Specs(r.Context())
	s.metrics.ObserveOperation("specs", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, specsView(engine.Instance(), specs))
}

// Init marks an instance initialized.
func (s *Server) Init(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.instance(w, r)
	if !ok {
		return
	}
	err := engine.Init(r.Context())
	s.metrics.ObserveOperation("init", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if level, err := engine.GateLevel(r.Context()); err == nil {
		s.metrics.SetGate(engine.Instance(), uint8(level))
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

// List stores a contract definition.
func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.instance(w, r)
	if !ok {
		return
	}
	var body ListBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.listRequest(body)
	if err == nil {
		var def *option.ContractDefinition
		def, err = engine.List(r.Context(), req)
		if err == nil {
			s.metrics.ObserveOperation("list", nil)
			s.writeJSON(w, http.StatusCreated, definitionView(def))
			return
		}
	}
	s.metrics.ObserveOperation("list", err)
	s.writeError(w, r, err)
}

func (s *Server) listRequest(body ListBody) (option.ListRequest, error) {
	admin, err := parseAddress("admin", body.Admin)
	if err != nil {
		return option.ListRequest{}, err
	}
	strike, err := parseInt("strike", body.Strike)
	if err != nil {
		return option.ListRequest{}, err
	}
	oracleAddr, err := s.node.ResolveOracle(body.Oracle)
	if err != nil {
		return option.ListRequest{}, err
	}
	return option.ListRequest{
		Admin:            admin,
		OptionType:       body.OptionType,
		Strike:           strike,
		Decimals:         body.Decimals,
		Expiration:       body.Expiration,
		Oracle:           oracleAddr,
		Token:            body.Token,
		UnderlyingToken:  body.UnderlyingToken,
		UnderlyingSymbol: body.UnderlyingSymbol,
	}, nil
}

// Killswitch sets the operational gate.
func (s *Server) Killswitch(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.instance(w, r)
	if !ok {
		return
	}
	var body KillswitchBody
	if !s.decode(w, r, &body) {
		return
	}
	admin, err := parseAddress("admin", body.Admin)
	if err == nil {
		err = engine.SetKillswitch(r.Context(), admin, option.GateLevel(body.Level))
	}
	s.metrics.ObserveOperation("killswitch", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.SetGate(engine.Instance(), body.Level)
	s.writeJSON(w, http.StatusOK, map[string]uint8{"gate": body.Level})
}

// Fund posts one side's collateral.
func (s *Server) Fund(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.instance(w, r)
	if !ok {
		return
	}
	var body FundBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := fundRequest(body)
	var dep option.Deposit
	if err == nil {
		dep, err = engine.Fund(r.Context(), req)
	}
	s.metrics.ObserveOperation("fund", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.RecordCollateral(engine.Instance(), req.Side.String(), dep.Amount)
	s.writeJSON(w, http.StatusOK, depositView(dep, req.Decimals))
}

func fundRequest(body FundBody) (option.FundRequest, error) {
	counterparty, err := parseAddress("counterparty", body.Counterparty)
	if err != nil {
		return option.FundRequest{}, err
	}
	side, err := ParseSide(body.Side)
	if err != nil {
		return option.FundRequest{}, err
	}
	price, err := parseInt("price", body.Price)
	if err != nil {
		return option.FundRequest{}, err
	}
	qty, err := parseInt("qty", body.Qty)
	if err != nil {
		return option.FundRequest{}, err
	}
	return option.FundRequest{
		Counterparty: counterparty,
		Token:        body.Token,
		Side:         side,
		Price:        price,
		Decimals:     body.Decimals,
		Qty:          qty,
		TradeID:      body.TradeID,
	}, nil
}

// RefreshPrice ingests the latest oracle quote. Unsigned calls are accepted.
func (s *Server) RefreshPrice(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.instance(w, r)
	if !ok {
		return
	}
	snap, err := engine.RefreshPrice(r.Context())
	s.metrics.ObserveOperation("refresh", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.RecordPrice(engine.Instance(), snap.Symbol, snap.Price)
	s.writeJSON(w, http.StatusOK, snapshotView(snap, snap.Decimals))
}

// MarkToMarket refreshes the price and values the trade.
func (s *Server) MarkToMarket(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.instance(w, r)
	if !ok {
		return
	}
	var body CallerBody
	if !s.decode(w, r, &body) {
		return
	}
	caller, err := parseAddress("caller", body.Caller)
	var mtm option.MarkToMarket
	if err == nil {
		mtm, err = engine.MarkToMarket(r.Context(), caller)
	}
	s.metrics.ObserveOperation("mtm", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.RecordPrice(engine.Instance(), mtm.Snapshot.Symbol, mtm.Snapshot.Price)
	s.writeJSON(w, http.StatusOK, markView(mtm, s.decimals(r, engine)))
}

// Settle pays out the caller's sides.
func (s *Server) Settle(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.instance(w, r)
	if !ok {
		return
	}
	var body CallerBody
	if !s.decode(w, r, &body) {
		return
	}
	claimant, err := parseAddress("caller", body.Caller)
	var payouts []option.Payout
	if err == nil {
		payouts, err = engine.Settle(r.Context(), claimant)
	}
	s.metrics.ObserveOperation("settle", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	decimals := s.decimals(r, engine)
	out := SettleView{Payouts: make([]PayoutView, 0, len(payouts))}
	for _, p := range payouts {
		s.metrics.RecordSettlement(engine.Instance(), p.Side.String())
		out.Payouts = append(out.Payouts, payoutView(p, decimals))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// decimals reads the listing decimals for display; zero when unavailable.
func (s *Server) decimals(r *http.Request, engine *option.Engine) uint32 {
	specs, err := engine.Specs(r.Context())
	if err != nil || specs.Definition == nil {
		return 0
	}
	return specs.Definition.Decimals
}

// OracleInfo returns the oracle's registration and last quote.
func (s *Server) OracleInfo(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.oracle(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	view := OracleView{Name: engine.Name(), Address: engine.Address().String()}
	if user, err := engine.PumpUser(ctx); err == nil {
		view.PumpUser = user.String()
	} else if !errors.Is(err, oracle.ErrPumpUserNotSet) {
		s.writeError(w, r, err)
		return
	}
	hash, found, err := engine.PumpHash(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found {
		view.PumpHash = hex.EncodeToString(hash[:])
	}
	quote, err := engine.Latest(ctx)
	switch {
	case err == nil:
		snap := snapshotView(quoteSnapshot(quote), quote.Decimals)
		view.Quote = &snap
	case !errors.Is(err, oracle.ErrNoQuote):
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// OracleUpdate publishes a quote signed by the pump user.
func (s *Server) OracleUpdate(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.oracle(w, r)
	if !ok {
		return
	}
	var body QuoteBody
	if !s.decode(w, r, &body) {
		return
	}
	pump, err := parseAddress("pump", body.Pump)
	var price *big.Int
	if err == nil {
		price, err = parseInt("price", body.Price)
	}
	if err == nil {
		err = engine.Update(r.Context(), pump, oracle.Quote{
			Symbol:    body.Symbol,
			Price:     price,
			Timestamp: body.Timestamp,
			Flags:     body.Flags,
			Decimals:  body.Decimals,
		})
	}
	s.metrics.ObserveOperation("oracle_update", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// OraclePumpHash records the digest of the pump build.
func (s *Server) OraclePumpHash(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.oracle(w, r)
	if !ok {
		return
	}
	var body PumpHashBody
	if !s.decode(w, r, &body) {
		return
	}
	owner, err := parseAddress("owner", body.Owner)
	var hash [32]byte
	if err == nil {
		raw, decodeErr := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(body.Hash), "0x"))
		if decodeErr != nil || len(raw) != len(hash) {
			err = fmt.Errorf("%w: hash must be 32 hex-encoded bytes", option.ErrInvalidParameter)
		} else {
			copy(hash[:], raw)
		}
	}
	if err == nil {
		err = engine.SetPumpHash(r.Context(), owner, hash)
	}
	s.metrics.ObserveOperation("oracle_pump_hash", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"pumpHash": hex.EncodeToString(hash[:])})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, fmt.Errorf("%w: invalid payload: %v", errBadRequest, err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err, len(nativecommon.Signers(r.Context())) > 0)
	requestID := middleware.RequestID(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("requestId", requestID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	s.writeJSON(w, status, ErrorView{Error: err.Error(), RequestID: requestID})
}

var (
	errNotFound   = errors.New("optiond: not found")
	errBadRequest = errors.New("optiond: bad request")
)

// StatusFor maps engine errors onto HTTP status codes. Authorization failures
// on unsigned requests become 401, on signed ones 403.
func StatusFor(err error, signed bool) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest),
		errors.Is(err, option.ErrInvalidParameter),
		errors.Is(err, option.ErrDecimalsMismatch),
		errors.Is(err, option.ErrInvalidSide),
		errors.Is(err, payoff.ErrInvalidPrice),
		errors.Is(err, payoff.ErrInvalidStrikeOrdering),
		errors.Is(err, oracle.ErrInvalidQuote):
		return http.StatusBadRequest
	case errors.Is(err, option.ErrUnauthorized),
		errors.Is(err, oracle.ErrUnauthorized),
		errors.Is(err, nativecommon.ErrNotAuthenticated):
		if signed {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case errors.Is(err, errNotFound),
		errors.Is(err, option.ErrNotInitialized),
		errors.Is(err, oracle.ErrNotInitialized),
		errors.Is(err, oracle.ErrNoQuote),
		errors.Is(err, oracle.ErrPumpUserNotSet):
		return http.StatusNotFound
	case errors.Is(err, option.ErrGateClosed):
		return http.StatusLocked
	case errors.Is(err, option.ErrTradeIDConflict),
		errors.Is(err, option.ErrDepositExists),
		errors.Is(err, option.ErrAlreadySettled),
		errors.Is(err, option.ErrExpired),
		errors.Is(err, option.ErrNotYetExpired),
		errors.Is(err, option.ErrNoSettlementPrice),
		errors.Is(err, oracle.ErrAlreadyInitialized):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
