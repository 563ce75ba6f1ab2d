// Package supervisor runs the long-lived loops of a binary under a suture tree
// so that a crashed loop is restarted instead of taking the process down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig matches suture's own defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

type Tree struct {
	root *suture.Supervisor
	log  *zap.SugaredLogger
}

func New(name string, cfg Config, log *zap.SugaredLogger) *Tree {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	root := suture.New(name, suture.Spec{
		EventHook:        EventHook(log),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return &Tree{root: root, log: log}
}

func (t *Tree) Add(svc suture.Service) suture.ServiceToken { return t.root.Add(svc) }

// Run serves the tree until ctx is cancelled and reports services that did not
// stop in time. Cancellation is not an error.
func (t *Tree) Run(ctx context.Context) error {
	err := t.root.Serve(ctx)
	if unstopped, rerr := t.root.UnstoppedServiceReport(); rerr == nil {
		for _, u := range unstopped {
			t.log.Warnw("service failed to stop", "service", u.Name)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// EventHook logs supervisor events as structured zap entries.
func EventHook(log *zap.SugaredLogger) suture.EventHook {
	return func(e suture.Event) {
		fields := e.Map()
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]interface{}, 0, 2*len(keys))
		for _, k := range keys {
			kv = append(kv, k, fields[k])
		}
		switch e.Type() {
		case suture.EventTypeResume:
			log.Infow(e.String(), kv...)
		default:
			log.Warnw(e.String(), kv...)
		}
	}
}

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts an HTTP server to suture.Service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, name: name}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		// ctx is already cancelled, shutdown gets its own deadline
		sctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("%s shutdown: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return h.name }
