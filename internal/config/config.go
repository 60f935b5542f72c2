// Package config loads the orchestrator's configuration from the
// environment variables named in spec §6, following the same
// chu+loaderenv pattern the rest of the rakunlabs stack uses.
package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
)

// Service is set by main to "mind/<version>" and included in request logs.
var Service = ""

// Config is the orchestrator's full runtime configuration, sourced
// entirely from environment variables (no config file is part of this
// service's surface).
type Config struct {
	LogLevel string `cfg:"log_level" default:"info"`

	// NginxPort is advisory: the port the front reverse proxy listens on.
	// The orchestrator itself never binds it, and no other code reads it;
	// it is only loaded and logged with the rest of the configuration.
	NginxPort string `cfg:"nginx_port" default:"80"`

	// AuthUsername is the single administrative login username.
	AuthUsername string `cfg:"auth_username"`

	// AuthPasswordHash is the encoded PBKDF2 triple:
	// "pbkdf2_sha256:{salt_b64}:{hash_b64}:{iterations}".
	AuthPasswordHash string `cfg:"auth_password_hash" log:"-"`

	// JWTSecret is the HMAC-SHA256 key (>=32 bytes) sessions are signed with.
	JWTSecret string `cfg:"jwt_secret" log:"-"`

	// SessionTimeout is the session lifetime in hours.
	SessionTimeout int `cfg:"session_timeout" default:"24"`

	// HFToken is passed through unchanged to inference containers that
	// need to pull gated weights from the Hugging Face Hub.
	HFToken string `cfg:"hf_token" log:"-"`

	// StoreBackend selects the state store implementation: "memory" (default,
	// single-instance) or "redis" (for multi-replica deployments sharing
	// state).
	StoreBackend string `cfg:"store_backend" default:"memory"`
	RedisHost    string `cfg:"redis_host" default:"127.0.0.1"`
	RedisPort    string `cfg:"redis_port" default:"6379"`

	// Environment is loaded and logged with the rest of the configuration;
	// no code reads it, so it changes no defaults and no lifecycle semantics.
	Environment string `cfg:"environment" default:"development"`

	Server      Server      `cfg:"server,squash"`
	Router      Router      `cfg:"router,squash"`
	Containers  Containers  `cfg:"containers,squash"`
}

// Server configures the HTTP listener.
type Server struct {
	Port string `cfg:"port" default:"9000"`
	Host string `cfg:"host"`
}

// Router configures the Router Generator's output file and reload command.
type Router struct {
	// IncludePath is the reverse-proxy include file the orchestrator
	// owns exclusively (write-only to us, read-only to the proxy).
	IncludePath string `cfg:"include_path" default:"/etc/nginx/conf.d/mind-models.conf"`

	// ReloadCommand is executed after a successful regeneration. Defaults
	// to the standard nginx reload invocation (§6).
	ReloadCommand []string `cfg:"reload_command" default:"nginx,-s,reload"`

	// UpstreamHost is the host the orchestrator's own container is
	// reachable at from the proxy, used for the chat-completions location
	// block.
	UpstreamHost string `cfg:"upstream_host" default:"127.0.0.1"`
	UpstreamPort string `cfg:"upstream_port" default:"9000"`
}

// Containers configures the Container Supervisor.
type Containers struct {
	// EnginePort is the fixed port the inference engine listens on inside
	// every container (§4.1).
	EnginePort int `cfg:"engine_port" default:"8000"`

	// NetworkName is the platform's user-defined bridge network new
	// containers attach to.
	NetworkName string `cfg:"network_name" default:"mind-net"`

	// ModelStorePath is bind-mounted into every container as the weights
	// cache directory.
	ModelStorePath string `cfg:"model_store_path" default:"/var/lib/mind/models"`

	// BasePort is the first host port handed out to a deployed container;
	// each subsequent deploy is offset deterministically from it.
	BasePort int `cfg:"base_port" default:"20000"`
}

// Load reads Config from the environment (no prefix: the spec names its
// variables verbatim, e.g. NGINX_PORT, not MIND_NGINX_PORT).
func Load(ctx context.Context, name string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, name, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
