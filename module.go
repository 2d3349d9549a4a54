// Package streamd implements the Durable Streams protocol as a Caddy HTTP
// handler: PUT creates a stream, POST appends (optionally with writer-seq
// coordination or idempotent-producer semantics), GET reads in catch-up,
// long-poll, or SSE mode, HEAD returns metadata, DELETE removes the stream.
package streamd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/engine"
	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/webhook"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler serves the Durable Streams protocol.
type Handler struct {
	// Storage selects the adapter: "memory", "file", or "duckdb".
	// Defaults to "file" when data_dir is set, "memory" otherwise.
	Storage string `json:"storage,omitempty"`

	// DataDir is where the file and duckdb adapters keep stream data.
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles caps the file adapter's open-handle pool.
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is how long a long-poll GET blocks before 204.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEMaxDuration closes SSE sessions so clients reconnect with their
	// last resumable offset and shared caches can collapse again.
	SSEMaxDuration caddy.Duration `json:"sse_max_duration,omitempty"`

	// SweepInterval is how often expired streams are removed.
	SweepInterval caddy.Duration `json:"sweep_interval,omitempty"`

	// MaxBodyBytes caps one POST/PUT body; larger requests get 413.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	// CrossOriginResourcePolicy is echoed on every response.
	CrossOriginResourcePolicy string `json:"cross_origin_resource_policy,omitempty"`

	// Webhooks enables the push-subscription admin routes under this
	// path prefix (for example "/v1/hooks").
	Webhooks string `json:"webhooks,omitempty"`

	// WebhookCallbackBase is the externally reachable base URL put in
	// wake payloads, e.g. "https://streams.example.com/v1/hooks".
	WebhookCallbackBase string `json:"webhook_callback_base,omitempty"`

	storage    store.Storage
	engine     *engine.Engine
	hooks      *webhook.Manager
	hookRoutes *webhook.Routes
	logger     *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up storage, the engine, and optional webhooks.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEMaxDuration == 0 {
		h.SSEMaxDuration = caddy.Duration(60 * time.Second)
	}
	if h.SweepInterval == 0 {
		h.SweepInterval = caddy.Duration(30 * time.Second)
	}
	if h.MaxBodyBytes == 0 {
		h.MaxBodyBytes = store.MaxRecordSize
	}
	if h.CrossOriginResourcePolicy == "" {
		h.CrossOriginResourcePolicy = "cross-origin"
	}

	storage, err := h.openStorage()
	if err != nil {
		return err
	}
	h.storage = storage

	h.engine = engine.New(storage, h.logger, engine.Config{})
	h.engine.StartSweeper(time.Duration(h.SweepInterval))

	if h.Webhooks != "" {
		h.hooks = webhook.NewManager(webhook.ManagerConfig{
			Logger:       h.logger.Named("webhook"),
			CallbackBase: h.WebhookCallbackBase,
			TailOffset: func(path string) (string, bool) {
				snap, err := h.engine.Head(path)
				if err != nil {
					return "", false
				}
				return snap.Tail.String(), true
			},
		})
		h.hookRoutes = webhook.NewRoutes(h.hooks)
	}
	return nil
}

func (h *Handler) openStorage() (store.Storage, error) {
	kind := h.Storage
	if kind == "" {
		if h.DataDir == "" {
			kind = "memory"
		} else {
			kind = "file"
		}
	}

	switch kind {
	case "memory":
		h.logger.Info("using in-memory storage")
		return store.NewMemory(), nil
	case "file":
		if h.DataDir == "" {
			return nil, fmt.Errorf("file storage requires data_dir")
		}
		fs, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:        h.DataDir,
			MaxFileHandles: h.MaxFileHandles,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize file storage: %w", err)
		}
		h.logger.Info("using file storage", zap.String("data_dir", h.DataDir))
		return fs, nil
	case "duckdb":
		if h.DataDir == "" {
			return nil, fmt.Errorf("duckdb storage requires data_dir")
		}
		ds, err := store.NewDuckStore(filepath.Join(h.DataDir, "streams.duckdb"))
		if err != nil {
			return nil, fmt.Errorf("initialize duckdb storage: %w", err)
		}
		h.logger.Info("using duckdb storage", zap.String("data_dir", h.DataDir))
		return ds, nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

// Validate ensures the configuration is coherent.
func (h *Handler) Validate() error {
	switch h.Storage {
	case "", "memory", "file", "duckdb":
	default:
		return fmt.Errorf("unknown storage kind %q", h.Storage)
	}
	if (h.Storage == "file" || h.Storage == "duckdb") && h.DataDir == "" {
		return fmt.Errorf("storage %q requires data_dir", h.Storage)
	}
	return nil
}

// Cleanup releases engine and storage resources.
func (h *Handler) Cleanup() error {
	if h.hooks != nil {
		h.hooks.Stop()
	}
	if h.engine != nil {
		h.engine.Close()
	}
	if h.storage != nil {
		return h.storage.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the durable_streams directive:
//
//	durable_streams {
//	    storage file
//	    data_dir /var/lib/streamd
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_max_duration 60s
//	    sweep_interval 30s
//	    max_body_bytes 67108864
//	    cross_origin_resource_policy cross-origin
//	    webhooks /v1/hooks
//	    webhook_callback_base https://streams.example.com/v1/hooks
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "storage":
				if !d.Args(&h.Storage) {
					return d.ArgErr()
				}
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
				h.MaxFileHandles = n
			case "long_poll_timeout":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.LongPollTimeout = dur
			case "sse_max_duration":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.SSEMaxDuration = dur
			case "sweep_interval":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.SweepInterval = dur
			case "max_body_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_body_bytes: %v", err)
				}
				h.MaxBodyBytes = int64(n)
			case "cross_origin_resource_policy":
				if !d.Args(&h.CrossOriginResourcePolicy) {
					return d.ArgErr()
				}
			case "webhooks":
				if !d.Args(&h.Webhooks) {
					return d.ArgErr()
				}
			case "webhook_callback_base":
				if !d.Args(&h.WebhookCallbackBase) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseDurationArg(d *caddyfile.Dispenser) (caddy.Duration, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return 0, d.Errf("invalid duration: %v", err)
	}
	return caddy.Duration(dur), nil
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
