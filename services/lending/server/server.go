package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kalefi/core"
	"kalefi/core/types"
	"kalefi/crypto"
	"kalefi/native/lending"
	"kalefi/observability"
	"kalefi/services/lending/audit"
)

const (
	metricsModule       = "lending"
	requestBodyLimit    = 1 << 20
	defaultCallTimeout  = 10 * time.Second
	defaultReceiptLimit = 50
)

// ReceiptLister reads back the receipt journal.
type ReceiptLister interface {
	Receipts(ctx context.Context, caller string, limit int) ([]audit.ReceiptRecord, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Executor  *core.Executor
	Auth      *Authenticator
	RateLimit RateLimit
	Nonces    NonceStore
	Receipts  ReceiptLister
	// Feed streams receipts over /v1/stream when set.
	Feed *Feed
	// ClockSkew bounds the difference between a call timestamp and now.
	ClockSkew   time.Duration
	CallTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server exposes the lending executor over HTTP/JSON.
type Server struct {
	exec        *core.Executor
	auth        *Authenticator
	limiter     *rateLimiter
	verifier    *verifier
	receipts    ReceiptLister
	feed        *Feed
	callTimeout time.Duration
	logger      *slog.Logger
	router      http.Handler
}

// New constructs the HTTP API around cfg.Executor.
func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("lending api: executor required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Nonces == nil {
		cfg.Nonces = newMemoryNonces()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = defaultClockSkew
	}
	if cfg.ClockSkew > maxClockSkew {
		cfg.ClockSkew = maxClockSkew
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	srv := &Server{
		exec:        cfg.Executor,
		auth:        cfg.Auth,
		limiter:     newRateLimiter(cfg.RateLimit, cfg.Now),
		verifier:    &verifier{nonces: cfg.Nonces, skew: cfg.ClockSkew, now: cfg.Now},
		receipts:    cfg.Receipts,
		feed:        cfg.Feed,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware)

		api.Get("/config", s.getConfig)
		api.Get("/price", s.getPrice)
		api.Get("/ltv", s.getLTV)
		api.Get("/health/{account}", s.getHealth)
		api.Get("/positions", s.listPositions)
		api.Get("/positions/{account}", s.getPosition)
		api.Get("/balances/{asset}/{account}", s.getBalance)
		api.Get("/receipts", s.listReceipts)
		api.Get("/stream", s.streamReceipts)

		api.Group(func(msg chi.Router) {
			msg.Use(s.auth.Middleware)
			msg.Post("/initialize", s.mutate(types.CallInitialize))
			msg.Post("/price", s.mutate(types.CallSetMockPrice))
			msg.Post("/deposit", s.mutate(types.CallDeposit))
			msg.Post("/borrow", s.mutate(types.CallBorrow))
			msg.Post("/repay", s.mutate(types.CallRepay))
			msg.Post("/withdraw", s.mutate(types.CallWithdraw))
		})
	})

	return otelhttp.NewHandler(r, "lending.http")
}

// observeRequests feeds the shared request metrics keyed by route pattern.
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(metricsModule, r.Method+" "+route, status, time.Since(start))
	})
}

func (s *Server) mutate(op types.CallType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var signed types.SignedCall
		if err := decodeJSON(r, &signed); err != nil {
			writeError(w, fmt.Errorf("%w: %v", ErrMalformedCall, err))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
		defer cancel()

		call, err := s.verifier.verify(ctx, op, &signed)
		if err != nil {
			writeError(w, err)
			return
		}
		receipt, err := s.exec.Execute(ctx, call)
		if err != nil {
			status, code := toStatus(err)
			if status == http.StatusInternalServerError {
				s.logger.Error("lending call failed",
					slog.String("op", string(op)),
					slog.String("account", call.Caller.String()),
					slog.Any("error", err))
			} else {
				s.logger.Info("lending call rejected",
					slog.String("op", string(op)),
					slog.String("account", call.Caller.String()),
					slog.String("reason", code))
			}
			writeError(w, err)
			return
		}
		principal, _ := PrincipalFromContext(r.Context())
		s.logger.Info("lending call committed",
			slog.String("op", string(op)),
			slog.String("account", call.Caller.String()),
			slog.String("receipt", receipt.ID.String()),
			slog.String("principal", principal))
		writeJSON(w, http.StatusOK, toReceiptView(receipt))
	}
}

func (s *Server) view(w http.ResponseWriter, r *http.Request, fn func(*lending.Engine) (interface{}, error)) {
	var out interface{}
	err := s.exec.View(r.Context(), func(engine *lending.Engine) error {
		var err error
		out, err = fn(engine)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(engine *lending.Engine) (interface{}, error) {
		cfg, err := engine.GetConfig()
		if err != nil {
			return nil, err
		}
		return toConfigView(cfg), nil
	})
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(engine *lending.Engine) (interface{}, error) {
		price, err := engine.GetMockPrice()
		if err != nil {
			return nil, err
		}
		return priceView{Price: price.String(), Decimals: lending.MockPriceDecimals}, nil
	})
}

func (s *Server) getLTV(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(engine *lending.Engine) (interface{}, error) {
		ltv, err := engine.GetLTV()
		if err != nil {
			return nil, err
		}
		return ltvView{LTVBps: ltv}, nil
	})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	s.view(w, r, func(engine *lending.Engine) (interface{}, error) {
		health, err := engine.CheckHealthFactor(account)
		if err != nil {
			return nil, err
		}
		return toHealthView(account.String(), health), nil
	})
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	s.view(w, r, func(engine *lending.Engine) (interface{}, error) {
		pos, err := engine.GetPosition(account)
		if err != nil {
			return nil, err
		}
		return toPositionView(pos), nil
	})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	s.view(w, r, func(engine *lending.Engine) (interface{}, error) {
		positions, err := engine.ListPositions()
		if err != nil {
			return nil, err
		}
		out := make([]positionView, 0, len(positions))
		for _, pos := range positions {
			out = append(out, toPositionView(pos))
		}
		return out, nil
	})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "asset")))
	balance, err := s.exec.Balance(r.Context(), asset, account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Account: account.String(), Asset: asset, Balance: balance.String()})
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		writeErrorCode(w, http.StatusNotFound, "not_found", "receipt journal not configured")
		return
	}
	limit := defaultReceiptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrorCode(w, http.StatusBadRequest, "malformed_call", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	records, err := s.receipts.Receipts(r.Context(), r.URL.Query().Get("account"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJournalView(records))
}

func accountParam(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	account, err := crypto.DecodeAddress(strings.TrimSpace(chi.URLParam(r, "account")))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_account", err.Error())
		return crypto.Address{}, false
	}
	return account, true
}

func decodeJSON(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errors.New("empty request body")
	}
	return json.Unmarshal(data, out)
}
