// Package ops serves the scheduler's operational endpoints: liveness,
// readiness and Prometheus metrics.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pkgerrors "github.com/angelmondragon/chainbill/pkg/errors"
	"github.com/angelmondragon/chainbill/pkg/logger"
)

const readyTimeout = 2 * time.Second

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams configure the ops router.
type RouterParams struct {
	Logger   *logger.Logger
	Env      string
	Checks   map[string]Pinger
	Gatherer prometheus.Gatherer
}

// NewRouter builds the ops HTTP handler.
func NewRouter(params RouterParams) (http.Handler, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(recoverer(params.Logger), requestLogging(params.Logger))
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", healthLive(params.Env))
		r.Get("/ready", healthReady(params.Env, params.Logger, params.Checks))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r, nil
}

func healthLive(env string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Chainbill-Env", env)
		writeSuccess(w, map[string]string{"status": "live"})
	}
}

func healthReady(env string, logg *logger.Logger, checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Chainbill-Env", env)
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		failed := map[string]string{}
		var errs []error
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				failed[name] = err.Error()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		if len(errs) > 0 {
			writeError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeDependency, errors.Join(errs...), "dependency not ready").WithDetails(failed))
			return
		}
		writeSuccess(w, map[string]string{"status": "ready"})
	}
}

// Serve runs an HTTP server on addr until ctx is canceled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ops server: %w", err)
		}
		return <-errCh
	}
}
