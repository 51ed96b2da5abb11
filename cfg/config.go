// SPDX-License-Identifier: ice License 1.0

// Package cfg is the configuration service: it owns the authoritative
// in-memory registry of hosted relays, WoT sets, paywalls, and blossom
// instances, persists it as TOML, and classifies mutations as hot
// (applied immediately) or cold (require a restart).
package cfg

// Config is the top-level TOML document. Tags double as the admin API's
// JSON shape so relay/wot/paywall/blossom configs round-trip unchanged
// between the TOML file and the admin UI.
type Config struct {
	Domain          string                   `toml:"domain" json:"domain"`
	Port            int                      `toml:"port" json:"port"`
	AdminPubkey     string                   `toml:"admin_pubkey" json:"admin_pubkey"`
	DiscoveryRelays []string                 `toml:"discovery_relays" json:"discovery_relays"`
	Relays          map[string]RelayConfig   `toml:"relays" json:"relays"`
	Wots            map[string]WotConfig     `toml:"wots" json:"wots"`
	Paywalls        map[string]PaywallConfig `toml:"paywalls" json:"paywalls"`
	Blossoms        map[string]BlossomConfig `toml:"blossoms" json:"blossoms"`
}

func empty() Config {
	return Config{
		Relays:   map[string]RelayConfig{},
		Wots:     map[string]WotConfig{},
		Paywalls: map[string]PaywallConfig{},
		Blossoms: map[string]BlossomConfig{},
	}
}

type RelayConfig struct {
	ID          string       `toml:"id" json:"id"`
	Subdomain   string       `toml:"subdomain" json:"subdomain"` // cold
	DBPath      string       `toml:"db_path" json:"db_path"`     // cold
	Nip11       Nip11Config  `toml:"nip11" json:"nip11"`
	Policy      PolicyConfig `toml:"policy" json:"policy"`
	LandingPage string       `toml:"landing_page,omitempty" json:"landing_page,omitempty"`
}

type Nip11Config struct {
	Name        string `toml:"name" json:"name"`
	Description string `toml:"description" json:"description"`
	Contact     string `toml:"contact" json:"contact"`
	Icon        string `toml:"icon,omitempty" json:"icon,omitempty"`
}

type PolicyConfig struct {
	Write     WritePolicyConfig `toml:"write" json:"write"`
	Read      ReadPolicyConfig  `toml:"read" json:"read"`
	Events    EventPolicyConfig `toml:"events" json:"events"`
	RateLimit RateLimitConfig   `toml:"rate_limit" json:"rate_limit"`
}

type WritePolicyConfig struct {
	RequireAuth    bool     `toml:"require_auth" json:"require_auth"`
	AllowedPubkeys []string `toml:"allowed_pubkeys,omitempty" json:"allowed_pubkeys,omitempty"`
	BlockedPubkeys []string `toml:"blocked_pubkeys,omitempty" json:"blocked_pubkeys,omitempty"`
	TaggedPubkeys  []string `toml:"tagged_pubkeys,omitempty" json:"tagged_pubkeys,omitempty"`
	Wot            string   `toml:"wot,omitempty" json:"wot,omitempty"`
	Paywall        string   `toml:"paywall,omitempty" json:"paywall,omitempty"`
}

type ReadPolicyConfig struct {
	RequireAuth    bool     `toml:"require_auth" json:"require_auth"`
	AllowedPubkeys []string `toml:"allowed_pubkeys,omitempty" json:"allowed_pubkeys,omitempty"`
	Wot            string   `toml:"wot,omitempty" json:"wot,omitempty"`
	Paywall        string   `toml:"paywall,omitempty" json:"paywall,omitempty"`
}

type EventPolicyConfig struct {
	AllowedKinds     []int `toml:"allowed_kinds,omitempty" json:"allowed_kinds,omitempty"`
	BlockedKinds     []int `toml:"blocked_kinds,omitempty" json:"blocked_kinds,omitempty"`
	MinPow           int   `toml:"min_pow" json:"min_pow"`
	MaxContentLength int   `toml:"max_content_length" json:"max_content_length"`
}

type RateLimitConfig struct {
	WritesPerMinute int `toml:"writes_per_minute" json:"writes_per_minute"`
	ReadsPerMinute  int `toml:"reads_per_minute" json:"reads_per_minute"`
	MaxConnections  int `toml:"max_connections" json:"max_connections"`
}

type WotConfig struct {
	ID                  string `toml:"id" json:"id"`
	Seed                string `toml:"seed" json:"seed"` // cold
	Depth               int    `toml:"depth" json:"depth"`
	UpdateIntervalHours int    `toml:"update_interval_hours" json:"update_interval_hours"`
}

type PaywallConfig struct {
	ID                     string `toml:"id" json:"id"`
	WalletConnectionSecret string `toml:"wallet_connection_secret" json:"wallet_connection_secret"`
	PriceSats              int64  `toml:"price_sats" json:"price_sats"`
	PeriodDays             int    `toml:"period_days" json:"period_days"`
}

type BlossomConfig struct {
	ID          string              `toml:"id" json:"id"`
	Subdomain   string              `toml:"subdomain" json:"subdomain"`     // cold
	StorageDir  string              `toml:"storage_dir" json:"storage_dir"` // cold
	MaxFileSize int64               `toml:"max_file_size" json:"max_file_size"`
	Policy      BlossomPolicyConfig `toml:"policy" json:"policy"`
}

type BlossomPolicyConfig struct {
	RequireAuth    bool     `toml:"require_auth" json:"require_auth"`
	AllowedPubkeys []string `toml:"allowed_pubkeys,omitempty" json:"allowed_pubkeys,omitempty"`
}
