package control

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"workerd/internal/storage"
	logx "workerd/pkg/logx"
	"workerd/pkg/worker"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// NewHandler builds the control API router.
func NewHandler(cfg Config, workers Workers, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	perSec := cfg.TriggerRate
	if perSec <= 0 {
		perSec = 2
	}
	h := &handlers{
		workers: workers,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(withAuth(cfg.Token))

	r.Get("/healthz", h.healthz)
	r.Route("/workers", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/{name}/trigger", h.trigger)
		r.Get("/{name}/history", h.history)
	})
	if cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", hpprof.Index)
		})
	}
	return r
}

type handlers struct {
	workers Workers
	log     logx.Logger
	limiter *rate.Limiter
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	ws := h.workers.Snapshot()
	running := 0
	for _, wi := range ws {
		if wi.Running {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": len(ws),
		"running": running,
	})
}

func (h *handlers) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.workers.Snapshot())
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "trigger rate limit exceeded")
		return
	}
	err := h.workers.Trigger(name)
	switch {
	case err == nil:
		h.log.Info("worker triggered", logx.String("worker", name), logx.String("request_id", middleware.GetReqID(r.Context())))
		writeJSON(w, http.StatusAccepted, map[string]string{"worker": name, "status": "triggered"})
	case errors.Is(err, ErrUnknownWorker):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, worker.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	runs, err := h.workers.History(r.Context(), name, limit)
	switch {
	case err == nil:
		if runs == nil {
			runs = []storage.RunRecord{}
		}
		writeJSON(w, http.StatusOK, runs)
	case errors.Is(err, ErrUnknownWorker):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrHistoryDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Warn("history query failed", logx.String("worker", name), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "history query failed")
	}
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
// An empty token disables the check.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenMatches(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenMatches(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
