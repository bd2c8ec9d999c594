package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geo_torii/internal/dataType"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type MainConfig struct {
	Port                string         `yaml:"port" validate:"required,numeric"`
	WebPath             string         `yaml:"web_path" validate:"required,startswith=/"`
	LogPath             string         `yaml:"log_path" validate:"required"`
	LogHosts            []string       `yaml:"log_hosts" validate:"dive,hostname_rfc1123"`
	NodeName            string         `yaml:"node_name"`
	ConnectingIPHeaders []string       `yaml:"connecting_ip_headers" validate:"dive,required"`
	TrustedProxies      []string       `yaml:"trusted_proxies" validate:"dive,cidr|ip"`
	FallbackRemoteAddr  bool           `yaml:"fallback_remote_addr"`
	APIKeyHeader        string         `yaml:"api_key_header" validate:"required"`
	ModeParam           string         `yaml:"mode_param" validate:"required"`
	ACL                 ACLConfig      `yaml:"acl"`
	Upstream            UpstreamConfig `yaml:"upstream"`
	GeoIP               GeoIPConfig    `yaml:"geoip"`
}

type ACLConfig struct {
	Driver        string        `yaml:"driver" validate:"omitempty,oneof=none sqlite postgres redis"`
	DSN           string        `yaml:"dsn"`
	Table         string        `yaml:"table" validate:"required"`
	KeyPrefix     string        `yaml:"key_prefix"`
	LookupTimeout time.Duration `yaml:"lookup_timeout" validate:"gte=0"`
	CreateSchema  bool          `yaml:"create_schema"`
}

type UpstreamConfig struct {
	Host     string        `yaml:"host" validate:"required"`
	Scheme   string        `yaml:"scheme" validate:"oneof=http https"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	RetryMax int           `yaml:"retry_max" validate:"gte=0,lte=10"`
}

type GeoIPConfig struct {
	CityDB string `yaml:"city_db"`
	ASNDB  string `yaml:"asn_db"`
}

func DefaultMainConfig() MainConfig {
	return MainConfig{
		Port:                "25580",
		WebPath:             "/geo_torii",
		LogPath:             "/www/geo_torii/log/",
		NodeName:            "Geo Torii",
		ConnectingIPHeaders: []string{"CF-Connecting-IP"},
		APIKeyHeader:        "X-API-KEY",
		ModeParam:           "mode",
		ACL: ACLConfig{
			Driver:        "sqlite",
			DSN:           "/www/geo_torii/data/acl.db",
			Table:         "access-control",
			KeyPrefix:     "acl:",
			LookupTimeout: 2 * time.Second,
		},
		Upstream: UpstreamConfig{
			Host:     "ip-api.com",
			Scheme:   "http",
			Timeout:  10 * time.Second,
			RetryMax: 1,
		},
	}
}

// LoadMainConfig Read the configuration file and return the configuration object
func LoadMainConfig(basePath string) (*MainConfig, error) {
	defaultCfg := DefaultMainConfig()

	exePath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if basePath == "" {
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "geo_torii.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return &defaultCfg, err
	}

	cfg, err := ParseMainConfig(data)
	if err != nil {
		return &defaultCfg, fmt.Errorf("[ERROR] failed to parse config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// ParseMainConfig decodes data over the defaults and validates the result.
func ParseMainConfig(data []byte) (*MainConfig, error) {
	cfg := DefaultMainConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.WebPath = strings.TrimRight(cfg.WebPath, "/")
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *MainConfig) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadTrustedProxies builds the trie used to decide whether edge headers can be trusted.
// Bare addresses are treated as single-host rules.
func LoadTrustedProxies(entries []string) (*dataType.TrieNode, error) {
	trie := &dataType.TrieNode{}
	for _, entry := range entries {
		line := strings.TrimSpace(entry)
		if line == "" {
			continue
		}
		if !strings.Contains(line, "/") {
			if strings.Contains(line, ":") {
				line = line + "/128"
			} else {
				line = line + "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(line)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		trie.Insert(ipNet)
	}
	return trie, nil
}

// EdgeTrustWarning describes the risk of an empty trusted proxy list, or
// returns "" when edge headers are gated.
func EdgeTrustWarning(cfg *MainConfig, trusted *dataType.TrieNode) string {
	if !trusted.Empty() || len(cfg.ConnectingIPHeaders) == 0 {
		return ""
	}
	return fmt.Sprintf("trusted_proxies is empty, %s accepted from every peer", strings.Join(cfg.ConnectingIPHeaders, ", "))
}
