package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ILLUVRSE/traceledger/internal/auth"
	"github.com/ILLUVRSE/traceledger/internal/config"
	"github.com/ILLUVRSE/traceledger/internal/custody"
	"github.com/ILLUVRSE/traceledger/internal/lock"
	"github.com/ILLUVRSE/traceledger/internal/models"
	"github.com/ILLUVRSE/traceledger/internal/service"
	"github.com/ILLUVRSE/traceledger/internal/store"
)

const (
	scanTimeout = 30 * time.Second
	readTimeout = 30 * time.Second
)

// writeTimeout bounds a mutating request. It leaves room for a full ledger
// submission on top of the usual request budget.
func writeTimeout(anchor time.Duration) time.Duration {
	if anchor <= 0 {
		return readTimeout
	}
	return anchor + readTimeout
}

type Server struct {
	cfg      config.Config
	db       store.Store
	svc      *service.Service
	traces   *custody.Assembler
	verifier *auth.Verifier
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	scans sync.WaitGroup
}

func New(cfg config.Config, db store.Store, svc *service.Service, traces *custody.Assembler, verifier *auth.Verifier, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		db:       db,
		svc:      svc,
		traces:   traces,
		verifier: verifier,
		gatherer: gatherer,
		log:      log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(s.requestTimeout)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)

		r.Route("/events", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.verifier.Required)
				r.With(s.verifier.RequireRole(
					auth.RoleFarmer, auth.RoleManufacturer, auth.RoleProcessor,
					auth.RoleDistributor, auth.RoleRetailer, auth.RoleAdmin,
				)).Post("/", s.handleCreateEvent)
				r.With(s.verifier.RequireRole(auth.RoleAdmin)).Post("/{id}/anchor", s.handleReanchor)
			})
			r.Get("/product/{productId}", s.handleListProductEvents)
			r.Get("/{id}", s.handleGetEvent)
			r.Get("/{id}/verify", s.handleVerifyEvent)
		})

		r.Route("/trace", func(r chi.Router) {
			r.Use(s.verifier.Optional)
			r.Get("/product/{productId}", s.handleTrace)
			r.Get("/qr/{qrCode}", s.handleTraceByQR)
		})

		r.Get("/ledger/transactions/{ref}", s.handleGetTransaction)
	})

	return r
}

func (s *Server) requestTimeout(next http.Handler) http.Handler {
	read := middleware.Timeout(readTimeout)(next)
	write := middleware.Timeout(writeTimeout(s.cfg.AnchorTimeout))(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			write.ServeHTTP(w, r)
			return
		}
		read.ServeHTTP(w, r)
	})
}

// Wait blocks until background scan recordings finish or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.scans.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

type recordResponse struct {
	Event       models.Event        `json:"event"`
	AnchorProof *models.AnchorProof `json:"anchorProof"`
	AnchorError string              `json:"anchorError,omitempty"`
}

func newRecordResponse(res service.RecordResult) recordResponse {
	out := recordResponse{Event: res.Event, AnchorProof: res.Proof}
	if res.AnchorError != nil {
		out.AnchorError = res.AnchorError.Error()
	}
	return out
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req service.RecordRequest
	if err := decodeJSON(w, r, &req, s.cfg.MaxBodyBytes); err != nil {
		if errors.Is(err, models.ErrPartialLocation) {
			s.writeServiceError(w, r, &service.ValidationError{Field: "location", Msg: err.Error(), Err: err})
			return
		}
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if c := auth.FromContext(r.Context()); c != nil {
		req.PerformedBy = c.UserID
	}

	res, err := s.svc.RecordEvent(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if res.AnchorError != nil {
		hlog.FromRequest(r).Warn().Err(res.AnchorError).Str("event_id", res.Event.ID).Msg("event stored without anchor")
	}
	respondJSON(w, http.StatusCreated, newRecordResponse(res))
}

func (s *Server) handleReanchor(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ReanchorEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newRecordResponse(res))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleVerifyEvent(w http.ResponseWriter, r *http.Request) {
	checkChain := false
	if v := r.URL.Query().Get("chain"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "chain must be a boolean")
			return
		}
		checkChain = b
	}
	res, err := s.svc.VerifyEvent(r.Context(), chi.URLParam(r, "id"), checkChain)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListProductEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.ListProductEvents(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := s.traces.GetTrace(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.recordScan(r, trace.ProductID)
	respondJSON(w, http.StatusOK, trace)
}

func (s *Server) handleTraceByQR(w http.ResponseWriter, r *http.Request) {
	payload, err := url.PathUnescape(chi.URLParam(r, "qrCode"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed qr code")
		return
	}
	trace, err := s.traces.GetTraceByQR(r.Context(), payload)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.recordScan(r, trace.ProductID)
	respondJSON(w, http.StatusOK, trace)
}

// recordScan logs a consumer's trace lookup as a SCAN event. It never holds
// up the response and its failures are only logged.
func (s *Server) recordScan(r *http.Request, productID string) {
	c := auth.FromContext(r.Context())
	if c == nil || c.Role != auth.RoleConsumer {
		return
	}
	log := *hlog.FromRequest(r)
	ctx := context.WithoutCancel(r.Context())
	s.scans.Add(1)
	go func() {
		defer s.scans.Done()
		ctx, cancel := context.WithTimeout(ctx, scanTimeout)
		defer cancel()
		res, err := s.svc.RecordEvent(ctx, service.RecordRequest{
			ProductID:   productID,
			EventType:   string(models.EventScan),
			PerformedBy: c.UserID,
			Description: "Consumer scanned product",
		})
		if err != nil {
			log.Warn().Err(err).Str("product_id", productID).Msg("record consumer scan")
			return
		}
		if res.AnchorError != nil {
			log.Warn().Err(res.AnchorError).Str("event_id", res.Event.ID).Msg("consumer scan stored without anchor")
		}
	}()
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetTransaction(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	var nf *service.NotFoundError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error())
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, "NOT_FOUND", nf.Error())
	case errors.Is(err, lock.ErrLocked), errors.Is(err, service.ErrAnchorPending):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
