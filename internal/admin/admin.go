// Package admin serves the read-only operational HTTP API: health, lock
// status and resource lookups.
//
// @title           brokerd admin API
// @version         0.0
// @description     Read-only view of brokerd health, resource locks and stored resources.
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @schemes         http
// @produce         json
// @tag.name        system
// @tag.description Service health.
// @tag.name        locks
// @tag.description Write lock status per resource id.
// @tag.name        resources
// @tag.description Stored resources with their current version.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/correlation"
	"pkt.systems/brokerd/internal/lockmgr"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/brokerd/internal/version"
	"pkt.systems/pslog"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	spanName            = "brokerd.admin"

	// DefaultMaxConns caps concurrent admin connections.
	DefaultMaxConns = 64
)

// Locks is the lock manager subset served by the admin API.
type Locks interface {
	CheckWriteLockStatus(ctx context.Context, resourceID string) (lockmgr.Status, error)
}

// Resources is the resource store subset served by the admin API.
type Resources interface {
	Get(ctx context.Context, ref resource.Ref) (*resource.Resource, error)
}

// Config wires the admin handler and server.
type Config struct {
	Listen    string
	MaxConns  int
	Locks     Locks
	Resources Resources
	// Health reports readiness; nil means always healthy.
	Health  func(ctx context.Context) error
	Tracing bool
	Clock   clock.Clock
	Logger  pslog.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Build   version.Info `json:"build"`
	Detail  string       `json:"detail,omitempty"`
}

// LockResponse is returned by /v1/locks/{id}.
type LockResponse struct {
	ResourceID  string        `json:"resourceId"`
	WriteLocked bool          `json:"writeLocked"`
	Lock        *lockmgr.Lock `json:"lock,omitempty"`
	Handle      string        `json:"handle,omitempty"`
	Held        string        `json:"held,omitempty"`
}

// ResourceResponse is returned by /v1/resources/{group}/{kind}/{id}.
type ResourceResponse struct {
	*resource.Resource
	Version string `json:"version"`
}

type handler struct {
	locks     Locks
	resources Resources
	health    func(context.Context) error
	clock     clock.Clock
	logger    pslog.Logger
}

// NewHandler returns the admin API handler.
func NewHandler(cfg Config) http.Handler {
	h := &handler{
		locks:     cfg.Locks,
		resources: cfg.Resources,
		health:    cfg.Health,
		clock:     clock.OrReal(cfg.Clock),
		logger:    svcfields.WithSubsystem(cfg.Logger, "admin.http"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /v1/locks/{id}", h.handleLock)
	mux.HandleFunc("GET /v1/resources/{group}/{kind}/{id}", h.handleResource)
	var out http.Handler = h.wrap(mux)
	if cfg.Tracing {
		out = otelhttp.NewHandler(out, spanName)
	}
	return out
}

func (h *handler) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := correlation.Set(r.Context(), r.Header.Get(headerCorrelationID))
		ctx = correlation.Ensure(ctx)
		logger := correlation.Logger(ctx, h.logger)
		ctx = pslog.ContextWithLogger(ctx, logger)
		w.Header().Set(headerCorrelationID, correlation.ID(ctx))
		start := h.clock.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger.Trace("admin.request", "method", r.Method, "path", r.URL.Path, "elapsed", h.clock.Now().Sub(start))
	})
}

// handleHealth godoc
// @Summary      Report service health
// @Description  Runs the store health check and reports the build identity. Returns 503 with the failure detail when the store is unreachable.
// @Tags         system
// @Produce      json
// @Success      200  {object}  admin.HealthResponse
// @Failure      503  {object}  admin.HealthResponse
// @Router       /healthz [get]
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	build := version.Get()
	resp := HealthResponse{Status: "ok", Version: build.Version, Build: build}
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Detail = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLock godoc
// @Summary      Show the write lock on a resource
// @Description  Returns the lock record for id, if any. writeLocked is false when no lock exists or the lock has outlived its TTL; an expired lock is still returned so its owner is visible.
// @Tags         locks
// @Produce      json
// @Param        id   path      string  true  "Protected resource id"
// @Success      200  {object}  admin.LockResponse
// @Failure      400  {object}  admin.ErrorResponse
// @Failure      500  {object}  admin.ErrorResponse
// @Failure      501  {object}  admin.ErrorResponse
// @Router       /v1/locks/{id} [get]
func (h *handler) handleLock(w http.ResponseWriter, r *http.Request) {
	if h.locks == nil {
		h.writeError(r.Context(), w, http.StatusNotImplemented, "locks_unavailable", "lock manager not configured")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	status, err := h.locks.CheckWriteLockStatus(r.Context(), id)
	if err != nil {
		h.writeStoreError(r.Context(), w, err)
		return
	}
	resp := LockResponse{ResourceID: id, WriteLocked: status.WriteLocked, Lock: status.Lock}
	if status.Lock != nil {
		resp.Handle = status.Lock.Version
		resp.Held = strings.TrimSpace(humanize.RelTime(status.Lock.LockTime, h.clock.Now(), "", ""))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResource godoc
// @Summary      Fetch a stored resource
// @Description  Returns the resource with its version. The version is echoed in the ETag header.
// @Tags         resources
// @Produce      json
// @Param        group  path      string  true  "Resource group"
// @Param        kind   path      string  true  "Resource kind"
// @Param        id     path      string  true  "Resource id"
// @Success      200    {object}  admin.ResourceResponse
// @Header       200    {string}  ETag  "Quoted resource version"
// @Failure      400    {object}  admin.ErrorResponse
// @Failure      404    {object}  admin.ErrorResponse
// @Failure      500    {object}  admin.ErrorResponse
// @Failure      501    {object}  admin.ErrorResponse
// @Router       /v1/resources/{group}/{kind}/{id} [get]
func (h *handler) handleResource(w http.ResponseWriter, r *http.Request) {
	if h.resources == nil {
		h.writeError(r.Context(), w, http.StatusNotImplemented, "resources_unavailable", "resource store not configured")
		return
	}
	ref := resource.Ref{Group: r.PathValue("group"), Kind: r.PathValue("kind"), ID: r.PathValue("id")}
	res, err := h.resources.Get(r.Context(), ref)
	if err != nil {
		h.writeStoreError(r.Context(), w, err)
		return
	}
	w.Header().Set("ETag", `"`+res.Version+`"`)
	writeJSON(w, http.StatusOK, ResourceResponse{Resource: res, Version: res.Version})
}

func (h *handler) writeStoreError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		h.writeError(ctx, w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, resource.ErrSchemaNotRegistered):
		h.writeError(ctx, w, http.StatusNotFound, "unknown_kind", err.Error())
	case errors.Is(err, resource.ErrInvalidRef), errors.Is(err, resource.ErrInvalidSchema):
		h.writeError(ctx, w, http.StatusBadRequest, "invalid_reference", err.Error())
	default:
		h.loggerFor(ctx).Warn("admin.request.failed", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *handler) writeError(ctx context.Context, w http.ResponseWriter, status int, code, detail string) {
	h.loggerFor(ctx).Debug("admin.request.error", "status", status, "code", code, "detail", detail)
	writeJSON(w, status, ErrorResponse{ErrorCode: code, Detail: detail})
}

func (h *handler) loggerFor(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Server is a running admin listener.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger pslog.Logger
}

// Listen binds cfg.Listen and returns a Server ready to Serve.
func Listen(cfg Config) (*Server, error) {
	addr := strings.TrimSpace(cfg.Listen)
	if addr == "" {
		return nil, errors.New("admin: listen address is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &Server{
		srv: &http.Server{
			Handler:           NewHandler(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		ln:     netutil.LimitListener(ln, maxConns),
		logger: svcfields.WithSubsystem(cfg.Logger, "admin.http"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	s.logger.Info("admin.listen", "address", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
