package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/harvestchain/pkg/access"
	"github.com/uhyunpark/harvestchain/pkg/crypto"
	"github.com/uhyunpark/harvestchain/pkg/escrow"
	"github.com/uhyunpark/harvestchain/pkg/oracle"
	"github.com/uhyunpark/harvestchain/pkg/registry"
	"github.com/uhyunpark/harvestchain/pkg/storage"
	"github.com/uhyunpark/harvestchain/pkg/token"
	"github.com/uhyunpark/harvestchain/pkg/util"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// Deps are the node components the API serves.
type Deps struct {
	Ledger      *escrow.Ledger
	Token       *token.Ledger
	Vault       *token.Vault
	Prices      *oracle.PriceFeed
	Deliveries  *oracle.DeliveryFeed
	Credentials *registry.Credentials
	Scores      *registry.CreditScores
	// Nonces persists signed-call nonces; nil keeps them in memory.
	Nonces storage.Backend
	Logger *zap.SugaredLogger
}

type Options struct {
	RequireSignatures bool
	Domain            crypto.EIP712Domain
	RatePerSec        float64 // zero disables rate limiting
	RateBurst         int
	AllowedOrigins    []string
	// TrustedProxies are peer IPs whose X-Forwarded-For is believed.
	TrustedProxies []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	Deps
	opts    Options
	router  *mux.Router
	hub     *Hub
	auth    *authenticator
	limiter *rateLimiter
	log     *zap.SugaredLogger
}

// NewServer builds the routes and registers the WebSocket hub as a ledger
// event sink.
func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Ledger == nil || deps.Token == nil || deps.Vault == nil || deps.Prices == nil ||
		deps.Deliveries == nil || deps.Credentials == nil || deps.Scores == nil {
		return nil, errors.New("api: every component is required")
	}
	if opts.Domain.ChainID == nil {
		opts.Domain = crypto.DefaultDomain()
	}
	auth, err := newAuthenticator(opts.RequireSignatures, opts.Domain, deps.Nonces)
	if err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}
	log := util.OrNop(deps.Logger)
	s := &Server{
		Deps:   deps,
		opts:   opts,
		router: mux.NewRouter(),
		hub:    NewHub(deps.Token.Info(), log),
		auth:   auth,
		log:    log,
	}
	if opts.RatePerSec > 0 {
		s.limiter = newRateLimiter(opts.RatePerSec, opts.RateBurst, opts.TrustedProxies)
	}
	deps.Ledger.AddSink(s.hub)
	s.setupRoutes()
	return s, nil
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order lifecycle
	api.HandleFunc("/orders", s.signed("createOrder", s.createOrder)).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/accept", s.signed("acceptOrder", s.acceptOrder)).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/fund", s.signed("fundRemainder", s.fundRemainder)).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/deliver", s.open(s.markDelivered)).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/settle", s.open(s.settle)).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.signed("cancelOrder", s.cancelOrder)).Methods("POST")
	api.HandleFunc("/events", s.handleListEvents).Methods("GET")
	api.HandleFunc("/deposit/quote", s.handleQuote).Methods("GET")

	// Oracles
	api.HandleFunc("/oracle/prices", s.signed("setPrice", s.setPrice)).Methods("POST")
	api.HandleFunc("/oracle/prices/{key}", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/oracle/deliveries", s.signed("setDelivered", s.setDelivered)).Methods("POST")
	api.HandleFunc("/oracle/deliveries/{id:[0-9]+}", s.handleGetDelivery).Methods("GET")

	// Registries
	api.HandleFunc("/registry/credentials", s.signed("setAuthorized", s.setAuthorized)).Methods("POST")
	api.HandleFunc("/registry/credentials", s.signed("revoke", s.revoke)).Methods("DELETE")
	api.HandleFunc("/registry/credentials/{address}/{role}", s.handleGetCredential).Methods("GET")
	api.HandleFunc("/registry/scores", s.signed("setScore", s.setScore)).Methods("POST")
	api.HandleFunc("/registry/scores/{address}", s.handleGetScore).Methods("GET")

	// Collateral token
	api.HandleFunc("/token/mint", s.signed("mint", s.mint)).Methods("POST")
	api.HandleFunc("/token/approve", s.signed("approve", s.approve)).Methods("POST")
	api.HandleFunc("/token/balances/{address}", s.handleGetBalance).Methods("GET")

	// Single-writer roles
	api.HandleFunc("/admin/roles", s.handleListRoles).Methods("GET")
	api.HandleFunc("/admin/roles/{role}/handover", s.signed("handoverRole", s.handoverRole)).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in CORS, request ids, logging and the
// rate limiter.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	h = loggingMiddleware(s.log)(h)
	h = requestIDMiddleware(h)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", HeaderCaller, HeaderNonce, HeaderSignature, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	})
	return c.Handler(h)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	if s.limiter != nil {
		go s.limiter.cleanup(ctx)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr, "require_signatures", s.opts.RequireSignatures)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		s.log.Infow("api_stopped")
		return nil
	}
}

// ==============================
// Request plumbing
// ==============================

type mutationFunc func(r *http.Request, caller common.Address, id uint64, body []byte) (interface{}, error)

// signed wraps a state-changing handler: it reads the body, resolves the
// caller (verifying the EIP-712 signature when required) and maps errors.
func (s *Server) signed(method string, fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, body, err := readMutation(w, r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		caller, err := s.auth.authenticate(r, method, id, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out, err := fn(r, caller, id, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		respondJSON(w, out)
	}
}

// open wraps a permissionless state-changing handler.
func (s *Server) open(fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, body, err := readMutation(w, r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out, err := fn(r, common.Address{}, id, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		respondJSON(w, out)
	}
}

func readMutation(w http.ResponseWriter, r *http.Request) (uint64, []byte, error) {
	var id uint64
	if raw, ok := mux.Vars(r)["id"]; ok {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, nil, badRequest("invalid order id %q", raw)
		}
		id = n
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, badRequest("failed to read body: %v", err)
	}
	return id, body, nil
}

// decode parses a JSON body strictly; an empty body leaves v untouched.
func decode(body []byte, v interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, badRequest("invalid %s address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// amount parses a decimal collateral amount; empty is zero.
func (s *Server) amount(field, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := s.Token.Info().ParseUnits(v)
	if err != nil {
		return 0, badRequest("%s: %v", field, err)
	}
	return n, nil
}

func (s *Server) orderInfo(id uint64) (interface{}, error) {
	o, err := s.Ledger.Order(id)
	if err != nil {
		return nil, err
	}
	return newOrderInfo(o, s.Token.Info()), nil
}

// ==============================
// Order lifecycle
// ==============================

func (s *Server) createOrder(r *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	var req CreateOrderRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.Market == "" {
		return nil, badRequest("missing market")
	}
	asset := s.Token.Info().Address
	if req.Asset != "" {
		a, err := parseAddress("asset", req.Asset)
		if err != nil {
			return nil, err
		}
		asset = a
	}
	maxPrice, err := s.amount("maxUnitPrice", req.MaxUnitPrice)
	if err != nil {
		return nil, err
	}
	minPrice, err := s.amount("minAcceptedPrice", req.MinAcceptedPrice)
	if err != nil {
		return nil, err
	}
	expected, err := s.amount("expectedDeposit", req.ExpectedDeposit)
	if err != nil {
		return nil, err
	}

	id, err := s.Ledger.CreateOrder(r.Context(), caller, escrow.CreateOrderParams{
		Asset:               asset,
		MarketKey:           crypto.ParseKey(req.Market),
		Quantity:            req.Quantity,
		MaxUnitPrice:        maxPrice,
		RequestedDepositBps: req.RequestedDepositBps,
		ForfeitBps:          req.ForfeitBps,
		MaxDiscountBps:      req.MaxDiscountBps,
		MinAcceptedPrice:    minPrice,
		DeliverBy:           req.DeliverBy,
		ExpectedDeposit:     expected,
	})
	if err != nil {
		return nil, err
	}
	o, err := s.Ledger.Order(id)
	if err != nil {
		return nil, err
	}
	return CreateOrderResponse{OrderID: id, Order: newOrderInfo(o, s.Token.Info())}, nil
}

func (s *Server) acceptOrder(r *http.Request, caller common.Address, id uint64, body []byte) (interface{}, error) {
	var req AcceptOrderRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	price, err := s.amount("agreedUnitPrice", req.AgreedUnitPrice)
	if err != nil {
		return nil, err
	}
	bond, err := s.amount("sellerBond", req.SellerBond)
	if err != nil {
		return nil, err
	}
	if err := s.Ledger.AcceptOrder(r.Context(), caller, id, price, bond); err != nil {
		return nil, err
	}
	return s.orderInfo(id)
}

func (s *Server) fundRemainder(r *http.Request, caller common.Address, id uint64, body []byte) (interface{}, error) {
	var req FundRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	amount, err := s.amount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.Ledger.FundRemainder(r.Context(), caller, id, amount); err != nil {
		return nil, err
	}
	return s.orderInfo(id)
}

func (s *Server) markDelivered(r *http.Request, _ common.Address, id uint64, _ []byte) (interface{}, error) {
	if err := s.Ledger.MarkDelivered(r.Context(), id); err != nil {
		return nil, err
	}
	return s.orderInfo(id)
}

func (s *Server) settle(r *http.Request, _ common.Address, id uint64, _ []byte) (interface{}, error) {
	if err := s.Ledger.Settle(r.Context(), id); err != nil {
		return nil, err
	}
	return s.orderInfo(id)
}

func (s *Server) cancelOrder(r *http.Request, caller common.Address, id uint64, _ []byte) (interface{}, error) {
	if err := s.Ledger.CancelOrder(r.Context(), caller, id); err != nil {
		return nil, err
	}
	return s.orderInfo(id)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.fail(w, r, badRequest("invalid order id"))
		return
	}
	out, err := s.orderInfo(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, out)
}

// handleListOrders serves GET /orders?buyer=&seller=&status=
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f escrow.OrderFilter
	if v := q.Get("buyer"); v != "" {
		a, err := parseAddress("buyer", v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.Buyer = a
	}
	if v := q.Get("seller"); v != "" {
		a, err := parseAddress("seller", v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.Seller = a
	}
	if v := q.Get("status"); v != "" {
		st, err := escrow.ParseStatus(v)
		if err != nil {
			s.fail(w, r, badRequest("%v", err))
			return
		}
		f.Status = &st
	}

	orders, err := s.Ledger.Orders(f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ti := s.Token.Info()
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = newOrderInfo(o, ti)
	}
	respondJSON(w, response)
}

// handleListEvents serves GET /events?after=&limit=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	limit := 100
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.fail(w, r, badRequest("invalid after %q", v))
			return
		}
		after = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.fail(w, r, badRequest("limit must be in [1, 1000]"))
			return
		}
		limit = n
	}

	events, err := s.Ledger.Events(after, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ti := s.Token.Info()
	response := make([]EventInfo, len(events))
	for i, ev := range events {
		response[i] = newEventInfo(ev, ti)
	}
	respondJSON(w, response)
}

// handleQuote serves GET /deposit/quote?buyer=&quantity=&maxUnitPrice=&requestedDepositBps=
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	buyer, err := parseAddress("buyer", q.Get("buyer"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	quantity, err := strconv.ParseInt(q.Get("quantity"), 10, 64)
	if err != nil {
		s.fail(w, r, badRequest("invalid quantity"))
		return
	}
	maxPrice, err := s.amount("maxUnitPrice", q.Get("maxUnitPrice"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bps, err := strconv.ParseUint(q.Get("requestedDepositBps"), 10, 16)
	if err != nil {
		s.fail(w, r, badRequest("invalid requestedDepositBps"))
		return
	}

	quote, err := s.Ledger.QuoteDeposit(buyer, quantity, maxPrice, uint16(bps))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, QuoteInfo{
		Buyer:          buyer.Hex(),
		Score:          quote.Score,
		HasScore:       quote.HasScore,
		EffectiveBps:   quote.EffectiveBps,
		NotionalMax:    quote.NotionalMax,
		Deposit:        quote.Deposit,
		DepositDisplay: s.Token.Info().FormatUnits(quote.Deposit),
	})
}

// ==============================
// Oracles
// ==============================

func (s *Server) setPrice(_ *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	var req SetPriceRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.Market == "" {
		return nil, badRequest("missing market")
	}
	floor, err := s.amount("floor", req.Floor)
	if err != nil {
		return nil, err
	}
	key := crypto.ParseKey(req.Market)
	if err := s.Prices.SetPrice(caller, key, floor, req.Confidence); err != nil {
		return nil, err
	}
	p, _ := s.Prices.Price(key)
	return s.priceInfo(p), nil
}

func (s *Server) priceInfo(p oracle.PricePoint) PriceInfo {
	return PriceInfo{
		MarketKey:    p.MarketKey.Hex(),
		Floor:        p.Floor,
		FloorDisplay: s.Token.Info().FormatUnits(p.Floor),
		Confidence:   p.Confidence,
		UpdatedAt:    p.UpdatedAt,
	}
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	key := crypto.ParseKey(mux.Vars(r)["key"])
	p, ok := s.Prices.Price(key)
	if !ok {
		respondError(w, http.StatusNotFound, "NoPrice", "no price for market "+key.Hex())
		return
	}
	respondJSON(w, s.priceInfo(p))
}

func (s *Server) setDelivered(_ *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	var req SetDeliveryRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.OrderID == 0 {
		return nil, badRequest("missing orderId")
	}
	if err := s.Deliveries.SetDelivered(caller, req.OrderID, req.Delivered); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.fail(w, r, badRequest("invalid order id"))
		return
	}
	respondJSON(w, SetDeliveryRequest{OrderID: id, Delivered: s.Deliveries.IsDelivered(id)})
}

// ==============================
// Registries
// ==============================

func (s *Server) setAuthorized(_ *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	var req CredentialRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	subject, err := parseAddress("subject", req.Subject)
	if err != nil {
		return nil, err
	}
	if req.Role == "" {
		return nil, badRequest("missing role")
	}
	role := crypto.ParseKey(req.Role)
	if err := s.Credentials.SetAuthorized(caller, subject, role, req.Expiry); err != nil {
		return nil, err
	}
	return s.credentialInfo(subject, role), nil
}

func (s *Server) revoke(_ *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	var req CredentialRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	subject, err := parseAddress("subject", req.Subject)
	if err != nil {
		return nil, err
	}
	if req.Role == "" {
		return nil, badRequest("missing role")
	}
	role := crypto.ParseKey(req.Role)
	if err := s.Credentials.Revoke(caller, subject, role); err != nil {
		return nil, err
	}
	return s.credentialInfo(subject, role), nil
}

func (s *Server) credentialInfo(subject common.Address, role common.Hash) CredentialInfo {
	info := CredentialInfo{Subject: subject.Hex(), Role: role.Hex(), Active: s.Credentials.HasRole(subject, role)}
	if c, ok := s.Credentials.Lookup(subject, role); ok {
		info.Expiry = c.Expiry
	}
	return info
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	subject, err := parseAddress("subject", vars["address"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, s.credentialInfo(subject, crypto.ParseKey(vars["role"])))
}

func (s *Server) setScore(_ *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	var req ScoreRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	if err := s.Scores.SetScore(caller, account, req.Score); err != nil {
		return nil, err
	}
	return ScoreInfo{Account: account.Hex(), Score: req.Score, HasScore: true}, nil
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", mux.Vars(r)["address"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	score, ok := s.Scores.ScoreOf(account)
	respondJSON(w, ScoreInfo{Account: account.Hex(), Score: score, HasScore: ok})
}

// ==============================
// Collateral token
// ==============================

func (s *Server) mint(_ *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	var req MintRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		return nil, err
	}
	amount, err := s.amount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.Token.Mint(caller, to, amount); err != nil {
		return nil, err
	}
	return s.balanceInfo(to), nil
}

func (s *Server) approve(_ *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	var req ApproveRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	spender := s.Vault.Custody()
	if req.Spender != "" {
		a, err := parseAddress("spender", req.Spender)
		if err != nil {
			return nil, err
		}
		spender = a
	}
	amount, err := s.amount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.Token.Approve(caller, spender, amount); err != nil {
		return nil, err
	}
	return s.balanceInfo(caller), nil
}

func (s *Server) balanceInfo(addr common.Address) BalanceInfo {
	ti := s.Token.Info()
	bal := s.Token.BalanceOf(addr)
	allowance := s.Token.Allowance(addr, s.Vault.Custody())
	nonce, _ := s.auth.lastNonce(addr)
	return BalanceInfo{
		Address:          addr.Hex(),
		Symbol:           ti.Symbol,
		Balance:          bal,
		BalanceDisplay:   ti.FormatUnits(bal),
		Allowance:        allowance,
		AllowanceDisplay: ti.FormatUnits(allowance),
		LastNonce:        nonce,
	}
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("account", mux.Vars(r)["address"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, s.balanceInfo(addr))
}

// ==============================
// Single-writer roles
// ==============================

// roleGates are the handover-able roles keyed by their URL name.
func (s *Server) roleGates() map[string]*access.Gate {
	return map[string]*access.Gate{
		"minter":            s.Token.Gate(),
		"price-feeder":      s.Prices.Gate(),
		"delivery-reporter": s.Deliveries.Gate(),
		"verifier":          s.Credentials.Gate(),
		"score-updater":     s.Scores.Gate(),
	}
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	gates := s.roleGates()
	names := make([]string, 0, len(gates))
	for name := range gates {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]RoleInfo, 0, len(names))
	for _, name := range names {
		out = append(out, RoleInfo{Role: name, Writer: gates[name].Writer().Hex()})
	}
	respondJSON(w, out)
}

// handoverRole moves a role to a new writer. Only the current writer may
// sign it. The handover lasts until restart, when the configured writer
// applies again.
func (s *Server) handoverRole(r *http.Request, caller common.Address, _ uint64, body []byte) (interface{}, error) {
	name := mux.Vars(r)["role"]
	gate, ok := s.roleGates()[name]
	if !ok {
		return nil, badRequest("unknown role %q", name)
	}
	var req HandoverRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	next, err := parseAddress("next", req.Next)
	if err != nil {
		return nil, err
	}
	if next == (common.Address{}) {
		return nil, badRequest("next writer must be non-zero")
	}
	if err := gate.Handover(caller, next); err != nil {
		return nil, err
	}
	s.log.Warnw("role_handed_over", "role", name, "from", caller.Hex(), "to", next.Hex())
	return RoleInfo{Role: name, Writer: next.Hex()}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":     "ok",
		"ws_clients": s.hub.ClientCount(),
	})
}

// ==============================
// Helper Functions
// ==============================

// errorStatus maps an error to its HTTP status and kind name.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, ErrMissingCaller), errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized, "Unauthenticated"
	case errors.Is(err, ErrStaleNonce):
		return http.StatusConflict, "StaleNonce"
	}

	kind := escrow.ErrorKind(err)
	switch kind {
	case "OrderNotFound":
		return http.StatusNotFound, kind
	case "Unauthorized", "NotParty", "SellerNotEligible", "SelfDealing":
		return http.StatusForbidden, kind
	case "NotOpen", "NotAccepted", "NotFunded", "NotDelivered", "AlreadySettled", "NotCancellable", "Overfunded":
		return http.StatusConflict, kind
	case "TransferFailed":
		return http.StatusUnprocessableEntity, kind
	case "Internal":
	default:
		return http.StatusBadRequest, kind
	}

	for _, k := range []struct {
		err  error
		kind string
	}{
		{registry.ErrScoreOutOfRange, "ScoreOutOfRange"},
		{oracle.ErrInvalidPrice, "InvalidPrice"},
		{token.ErrInvalidAmount, "InvalidAmount"},
		{token.ErrInsufficientBalance, "InsufficientBalance"},
		{token.ErrInsufficientAllowance, "InsufficientAllowance"},
	} {
		if errors.Is(err, k.err) {
			return http.StatusBadRequest, k.kind
		}
	}
	return http.StatusInternalServerError, kind
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "request_id", RequestID(r.Context()), "path", r.URL.Path, "err", err)
	} else {
		s.log.Debugw("request_rejected", "request_id", RequestID(r.Context()), "path", r.URL.Path, "kind", kind, "err", err)
	}
	respondError(w, status, kind, err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
