// Package notify connects to a Socket.IO hub and announces process events.
//
// The module is disabled when no hub URL is configured.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/specialistvlad/modgrid/internal/config"
	"github.com/specialistvlad/modgrid/internal/ctxlog"
	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// ConfigBlock is the name of the module configuration block read by PreInit.
const ConfigBlock = "notify"

// ReadyEvent is emitted once every module has started.
const ReadyEvent = "modules_ready"

// ErrDisabled is returned by Emit when no hub is configured.
var ErrDisabled = errors.New("notify: disabled")

// Settings configures the hub connection.
type Settings struct {
	URL                   string `env:"NOTIFY_URL" hcl:"url,optional"`
	Namespace             string `env:"NOTIFY_NAMESPACE" envDefault:"/" hcl:"namespace,optional"`
	InsecureSkipVerify    bool   `env:"NOTIFY_INSECURE_SKIP_VERIFY" hcl:"insecure_skip_verify,optional"`
	ConnectTimeoutSeconds int    `env:"NOTIFY_CONNECT_TIMEOUT_SECONDS" envDefault:"15" hcl:"connect_timeout_seconds,optional"`
}

// target is the parsed form of Settings.
type target struct {
	settings Settings
	baseURL  string
	path     string
}

// Notifier is the notify module.
type Notifier struct {
	registry.NoDependencies

	mu sync.Mutex
	io *socket.Socket
}

// Module is the handle of the notify module.
var Module = registry.Declare[Notifier, *target]()

// PreInit reads the settings and validates the hub URL. A nil target
// disables the module.
func (n *Notifier) PreInit(ctx context.Context) (*target, error) {
	var s Settings
	if err := config.ParseEnv(&s); err != nil {
		return nil, err
	}
	if err := config.Decode(ctx, ConfigBlock, &s); err != nil {
		return nil, err
	}
	if s.URL == "" {
		return nil, nil
	}

	parsed, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("hub URL %q must be absolute", s.URL)
	}
	if s.ConnectTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("connect_timeout_seconds must be positive, got %d", s.ConnectTimeoutSeconds)
	}
	return &target{
		settings: s,
		baseURL:  fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host),
		path:     parsed.Path,
	}, nil
}

// Init connects to the hub and waits for the handshake.
func (n *Notifier) Init(ctx context.Context, t *target, _ *registry.Deps) error {
	logger := ctxlog.FromContext(ctx)
	if t == nil {
		logger.Info("Notifier disabled, no hub URL configured.")
		return nil
	}

	io, err := connect(ctx, t)
	if err != nil {
		return err
	}
	n.io = io
	return nil
}

func connect(ctx context.Context, t *target) (*socket.Socket, error) {
	logger := ctxlog.FromContext(ctx).With("url", t.settings.URL)

	opts := socket.DefaultOptions()
	if t.path != "" {
		opts.SetPath(t.path)
	}
	if t.settings.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(t.baseURL, opts)
	io := manager.Socket(t.settings.Namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		select {
		case connected <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connected <- err:
		default:
		}
	})

	logger.Debug("Connecting to hub.")
	io.Connect()

	timeout := time.Duration(t.settings.ConnectTimeoutSeconds) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		logger.Info("Connected to hub.", "sid", io.Id())
		return io, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-timer.C:
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

// PostInit announces the started modules.
func (n *Notifier) PostInit(ctx context.Context) error {
	if !n.Enabled() {
		return nil
	}
	r, ok := registry.Published()
	if !ok {
		return registry.ErrRegistryNotPublished
	}
	if err := n.Emit(ReadyEvent, map[string]any{"modules": r.Modules()}); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("Announced started modules.", "event", ReadyEvent, "modules", r.Len())
	return nil
}

// Enabled reports whether the notifier is connected to a hub.
func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.io != nil
}

// Emit sends an event to the hub.
func (n *Notifier) Emit(event string, args ...any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.io == nil {
		return ErrDisabled
	}
	n.io.Emit(event, args...)
	return nil
}
