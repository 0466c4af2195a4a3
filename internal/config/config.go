package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr  string    `toml:"listen_addr"`
	LogLevel    string    `toml:"log_level"`
	ContextPath string    `toml:"context_path"`
	SSO         SSOConfig `toml:"sso"`
}

// SSOConfig configures the SAML single-sign-on engine.
type SSOConfig struct {
	Enabled bool `toml:"enabled"`

	// IdPURL is the default IdP SSO endpoint. IdPURLOverrides maps a local
	// listen address (host or host:port) to an alternative endpoint, for
	// deployments reachable from several networks.
	IdPURL          string            `toml:"idp_url"`
	IdPURLOverrides map[string]string `toml:"idp_url_overrides"`

	// IssuerID identifies this service to the IdP. Empty means derive it
	// from the request host.
	IssuerID string `toml:"issuer_id"`

	LoginPath  string `toml:"login_path"`
	LogoutPath string `toml:"logout_path"`

	// ExcludedPaths are request path prefixes the authentication filter
	// passes through unauthenticated. The login, logout and health
	// endpoints are always excluded to avoid redirect loops.
	ExcludedPaths []string `toml:"excluded_paths"`

	Signature SignatureConfig `toml:"signature"`
	Backend   BackendConfig   `toml:"backend"`
	Resources ResourcesConfig `toml:"resources"`
	Events    EventsConfig    `toml:"events"`
}

// SignatureConfig configures SAML response signature validation.
// CertificatePassword applies to stores whose key entries carry their own
// password; validation itself only reads certificates.
type SignatureConfig struct {
	Enabled             bool   `toml:"enabled"`
	TrustStorePath      string `toml:"truststore_path"`
	TrustStorePassword  string `toml:"truststore_password"`
	CertificateAlias    string `toml:"certificate_alias"`
	CertificatePassword string `toml:"certificate_password"`
}

// BackendConfig configures header-based authentication for non-browser
// clients under a protected path prefix.
type BackendConfig struct {
	Enabled      bool   `toml:"enabled"`
	PathPrefix   string `toml:"path_prefix"`
	TokenURL     string `toml:"token_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// ResourcesConfig points at the user resource service consulted to resolve
// authenticated subjects.
type ResourcesConfig struct {
	URL string `toml:"url"`
}

// EventsConfig configures authentication event publishing. An empty webhook
// URL selects log-only publishing.
type EventsConfig struct {
	WebhookURL string `toml:"webhook_url"`
}

// Load reads the configuration from a TOML file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.ContextPath = strings.TrimRight(cfg.ContextPath, "/")

	sso := &cfg.SSO
	if sso.LoginPath == "" {
		sso.LoginPath = "/ServiceLogin"
	}
	if sso.LogoutPath == "" {
		sso.LogoutPath = "/ServiceLogout"
	}
	for _, p := range []string{sso.LoginPath, sso.LogoutPath, "/healthz"} {
		if !slices.Contains(sso.ExcludedPaths, p) {
			sso.ExcludedPaths = append(sso.ExcludedPaths, p)
		}
	}
	if sso.Backend.PathPrefix == "" {
		sso.Backend.PathPrefix = "/api/"
	}
	// Backend clients authenticate with headers, not browser redirects, so
	// their prefix bypasses the browser filter.
	if sso.Backend.Enabled && !slices.Contains(sso.ExcludedPaths, sso.Backend.PathPrefix) {
		sso.ExcludedPaths = append(sso.ExcludedPaths, sso.Backend.PathPrefix)
	}
}

func validate(cfg *Config) error {
	sso := &cfg.SSO
	if !sso.Enabled {
		return nil
	}

	if sso.IdPURL == "" {
		return fmt.Errorf("sso.idp_url is required when SSO is enabled")
	}
	if err := checkURL("sso.idp_url", sso.IdPURL); err != nil {
		return err
	}
	for addr, u := range sso.IdPURLOverrides {
		if err := checkURL(fmt.Sprintf("sso.idp_url_overrides[%s]", addr), u); err != nil {
			return err
		}
	}

	if sso.Signature.Enabled && sso.Signature.TrustStorePath == "" {
		return fmt.Errorf("sso.signature.truststore_path is required when signature validation is enabled")
	}
	if sso.Backend.Enabled {
		if sso.Backend.TokenURL == "" {
			return fmt.Errorf("sso.backend.token_url is required when backend authentication is enabled")
		}
		if err := checkURL("sso.backend.token_url", sso.Backend.TokenURL); err != nil {
			return err
		}
	}
	if sso.Events.WebhookURL != "" {
		if err := checkURL("sso.events.webhook_url", sso.Events.WebhookURL); err != nil {
			return err
		}
	}
	return nil
}

func checkURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q: scheme must be http or https", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q: host is required", name, raw)
	}
	return nil
}

// IdPURLFor returns the IdP endpoint for the given local listen address.
// An override keyed by the full address wins over one keyed by the host
// alone; with no override the default endpoint is returned.
func (c *SSOConfig) IdPURLFor(localAddr string) string {
	if u, ok := c.IdPURLOverrides[localAddr]; ok && u != "" {
		return u
	}
	if host, _, ok := strings.Cut(localAddr, ":"); ok {
		if u, ok := c.IdPURLOverrides[host]; ok && u != "" {
			return u
		}
	}
	return c.IdPURL
}

// Excluded reports whether path matches an entry in the exclusion list,
// either exactly or as a path prefix.
func (c *SSOConfig) Excluded(path string) bool {
	for _, p := range c.ExcludedPaths {
		if path == p || strings.HasPrefix(path, strings.TrimRight(p, "/")+"/") {
			return true
		}
	}
	return false
}
