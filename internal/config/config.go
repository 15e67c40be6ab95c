// Package config holds the single read-mostly record consumed by every
// component (spec §4.K). Parsing the on-disk config *file* is a thin
// wrapper (spec §1 keeps configuration-file parsing an external concern);
// once loaded the Config value is never mutated, per DESIGN NOTES §9
// ("Global state": configuration is read once at startup, represented as
// an immutable record passed by reference).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Namespace selects the external mailbox-name separator, per spec §3.
type Namespace struct {
	// Separator is "." or "/"; the resolver (internal/mboxname) rewrites
	// between it and the always-dotted internal form.
	Separator string `yaml:"separator"`
	// SharedPrefix names the top-level namespace that is neither
	// "INBOX" (personal) nor "user" (other-users); see spec §3.
	SharedPrefix string `yaml:"shared_prefix"`
}

// Config is the immutable record every component receives by reference.
type Config struct {
	// Hostname tags single-instance staging files (spec §4.E) and the
	// discovery service's proxy decisions (spec §4.I).
	Hostname string `yaml:"hostname"`

	// SpoolRoot is "/<root>/..." from spec §6's persisted state layout.
	SpoolRoot string `yaml:"spool_root"`

	Namespace Namespace `yaml:"namespace"`

	// DefaultQuota is the quota (in bytes) assigned to a mailbox with no
	// explicit quota root override; 0 means unlimited.
	DefaultQuota int64 `yaml:"default_quota"`

	// SingleInstance enables the link(2)-based staging of §4.E.
	SingleInstance bool `yaml:"single_instance"`

	// DuplicateSuppression enables §4.F checks during delivery.
	DuplicateSuppression bool `yaml:"duplicate_suppression"`

	// DuplicateExpiry is the default expiry window recorded by `mark`
	// for plain (non-vacation) deliveries.
	DuplicateExpiry time.Duration `yaml:"duplicate_expiry"`

	// SieveScriptRoot is where per-user compiled Sieve programs live;
	// the grammar that produced them is out of scope (spec §1).
	SieveScriptRoot string `yaml:"sieve_script_root"`

	// Backends maps a bucket name (mboxname.HashMbox) to the hostname
	// owning it; cmd/fud and cmd/imapproxyd consult this map directly to
	// find a mailbox's server (spec §4.J).
	Backends map[string]string `yaml:"backends"`

	// DiscoveryAddr is the UDP listen address for the fud-style
	// service (spec §4.I).
	DiscoveryAddr string `yaml:"discovery_addr"`

	// ProxyAdminUser authenticates proxy-to-backend connections
	// (spec §4.J, "dedicated admin identity").
	ProxyAdminUser string `yaml:"proxy_admin_user"`

	// BackendIdleTimeout reaps pooled backend connections (spec §4.J).
	BackendIdleTimeout time.Duration `yaml:"backend_idle_timeout"`

	// LocalIMAPAddr is where this host's own IMAP backend listens, so
	// the proxy (spec §4.J) can pipe a locally-routed command through the
	// same pooled-connection path it uses for remote backends.
	LocalIMAPAddr string `yaml:"local_imap_addr"`

	// ProxyListenAddr is the proxy's own client-facing listen address.
	ProxyListenAddr string `yaml:"proxy_listen_addr"`

	// SendmailPath is the executable Redirect/Reject/Vacation spawn to
	// hand off an outbound message (original_source/imap/lmtpd.c's
	// SENDMAIL / DEFAULT_SENDMAIL).
	SendmailPath string `yaml:"sendmail_path"`

	// Postmaster names the From address on Sieve-generated messages
	// (rejection notices, vacation replies).
	Postmaster string `yaml:"postmaster"`
}

// Load reads and validates a YAML configuration file into a Config.
// This is the one place the module touches configuration-file syntax;
// everything downstream takes a *Config by reference and never sees YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with the teacher-style safe defaults (dotted
// separator, no single-instance store, duplicate suppression on with a
// 7-day window matching the vacation default in spec §8 scenario 4).
func Default() *Config {
	return &Config{
		Namespace: Namespace{
			Separator:    ".",
			SharedPrefix: "shared",
		},
		DuplicateSuppression: true,
		DuplicateExpiry:      7 * 24 * time.Hour,
		DiscoveryAddr:        ":4201",
		BackendIdleTimeout:   30 * time.Minute,
		LocalIMAPAddr:        "127.0.0.1:143",
		ProxyListenAddr:      ":143",
		SendmailPath:         "/usr/sbin/sendmail",
		Postmaster:           "postmaster",
	}
}
