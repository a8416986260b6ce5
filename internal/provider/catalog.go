package provider

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/mitchellh/mapstructure"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Provider types understood by the catalog.
const (
	TypeHTTP   = "http"
	TypeTwilio = "twilio"
	TypeSMTP   = "smtp"
	TypeSocket = "socket"
)

// Catalog is the on-disk provider list.
type Catalog struct {
	Providers []CatalogEntry `yaml:"providers"`
}

// CatalogEntry declares one provider. Settings are decoded per type.
type CatalogEntry struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Channel  string         `yaml:"channel"`
	Priority int            `yaml:"priority"`
	Disabled bool           `yaml:"disabled"`
	Settings map[string]any `yaml:"settings"`
}

type httpSettings struct {
	Endpoint    string `mapstructure:"endpoint"`
	AuthToken   string `mapstructure:"auth_token"`
	CostPerSend string `mapstructure:"cost_per_send"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
}

type twilioSettings struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	FromPhone   string `mapstructure:"from_phone"`
	CostPerSend string `mapstructure:"cost_per_send"`
}

type smtpSettings struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	From        string `mapstructure:"from"`
	CostPerSend string `mapstructure:"cost_per_send"`
}

// Dependencies are shared clients some provider types need.
type Dependencies struct {
	Redis goredis.UniversalClient
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	return &catalog, nil
}

// RegisterCatalog builds every enabled entry and registers it with m.
func RegisterCatalog(m *Manager, catalog *Catalog, deps Dependencies) (int, error) {
	if catalog == nil {
		return 0, nil
	}

	registered := 0
	for _, entry := range catalog.Providers {
		if entry.Disabled {
			continue
		}
		p, err := Build(entry, deps)
		if err != nil {
			return registered, err
		}
		if err := m.Register(p, entry.Priority); err != nil {
			return registered, err
		}
		registered++
	}

	return registered, nil
}

// Build constructs a provider from a catalog entry.
func Build(entry CatalogEntry, deps Dependencies) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(entry.Type)) {
	case TypeHTTP:
		var s httpSettings
		if err := decodeSettings(entry, &s); err != nil {
			return nil, err
		}
		channel, err := domain.ParseChannelFromString(entry.Channel)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", entry.ID, err)
		}
		cost, err := parseCost(entry.ID, s.CostPerSend)
		if err != nil {
			return nil, err
		}
		return NewHTTPProvider(HTTPConfig{
			ID:          entry.ID,
			Channel:     channel,
			Endpoint:    s.Endpoint,
			AuthToken:   s.AuthToken,
			CostPerSend: cost,
			Timeout:     time.Duration(s.TimeoutMs) * time.Millisecond,
		})

	case TypeTwilio:
		var s twilioSettings
		if err := decodeSettings(entry, &s); err != nil {
			return nil, err
		}
		cost, err := parseCost(entry.ID, s.CostPerSend)
		if err != nil {
			return nil, err
		}
		return NewTwilioProvider(TwilioConfig{
			ID:          entry.ID,
			AccountSID:  s.AccountSID,
			AuthToken:   s.AuthToken,
			FromPhone:   s.FromPhone,
			CostPerSend: cost,
		})

	case TypeSMTP:
		var s smtpSettings
		if err := decodeSettings(entry, &s); err != nil {
			return nil, err
		}
		cost, err := parseCost(entry.ID, s.CostPerSend)
		if err != nil {
			return nil, err
		}
		return NewSMTPProvider(SMTPConfig{
			ID:          entry.ID,
			Host:        s.Host,
			Port:        s.Port,
			Username:    s.Username,
			Password:    s.Password,
			From:        s.From,
			CostPerSend: cost,
		})

	case TypeSocket:
		if deps.Redis == nil {
			return nil, fmt.Errorf("provider %s: socket provider requires redis", entry.ID)
		}
		return NewSocketProvider(entry.ID, deps.Redis)

	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", entry.ID, entry.Type)
	}
}

func decodeSettings(entry CatalogEntry, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("provider %s: failed to build settings decoder: %w", entry.ID, err)
	}
	if err := decoder.Decode(entry.Settings); err != nil {
		return fmt.Errorf("provider %s: invalid settings: %w", entry.ID, err)
	}
	return nil
}

func parseCost(id, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	cost, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("provider %s: invalid cost_per_send %q: %w", id, raw, err)
	}
	if cost.IsNegative() {
		return decimal.Zero, fmt.Errorf("provider %s: cost_per_send must not be negative", id)
	}
	return cost, nil
}
