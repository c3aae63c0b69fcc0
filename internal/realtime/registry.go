package realtime

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrRegistryClosed is returned after Shutdown.
var ErrRegistryClosed = errors.New("realtime registry is shut down")

// RegistryConfig describes how the shared client is built.
type RegistryConfig struct {
	// ExplicitURL is the configured push base URL, if any.
	ExplicitURL string
	// Origin is the API origin, used only for local development hosts.
	Origin  string
	Dialer  Dialer
	Options []Option
}

// Registry owns the process-wide Client shared by every coordinator. The
// client is created on first use and torn down by Shutdown.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu         sync.Mutex
	client     *Client
	closed     bool
	failLogged bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
	}
}

// Client returns the shared client, creating it on first use. It returns
// ErrNoEndpoint when no base URL can be resolved; callers must then run
// without push.
func (r *Registry) Client() (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if r.client != nil {
		return r.client, nil
	}

	baseURL, err := ResolveBaseURL(r.cfg.ExplicitURL, r.cfg.Origin)
	if err != nil {
		if !r.failLogged {
			r.failLogged = true
			r.logger.Warn("no realtime endpoint resolved, push updates disabled",
				"origin", r.cfg.Origin,
			)
		}
		return nil, err
	}

	dialer := r.cfg.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer("")
	}

	r.client = NewClient(baseURL, dialer, r.logger, r.cfg.Options...)
	r.logger.Info("realtime client created", "base_url", baseURL)
	return r.client, nil
}

// Shutdown disconnects the shared client. It is safe to call more than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.closed = true
	r.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
}
