package commission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultGlobalRate is the platform commission when nothing more specific
// is configured.
var DefaultGlobalRate = decimal.RequireFromString("0.10")

// Config is the commission configuration document. One instance exists per
// deployment; it is loaded and saved as a whole.
type Config struct {
	GlobalDefault    decimal.Decimal
	ServiceDefaults  map[ServiceType]decimal.Decimal
	CountryOverrides map[ServiceType]map[string]decimal.Decimal
	UpdatedAt        time.Time
	UpdatedBy        string
}

// ConfigStore persists the commission configuration document.
type ConfigStore interface {
	// LoadCommissionConfig returns ledger.ErrNotFound when nothing is stored.
	LoadCommissionConfig(ctx context.Context) (*Config, error)
	SaveCommissionConfig(ctx context.Context, cfg Config) error
}

// DefaultConfig returns the configuration used when none is persisted.
func DefaultConfig() Config {
	return Config{
		GlobalDefault:    DefaultGlobalRate,
		ServiceDefaults:  make(map[ServiceType]decimal.Decimal),
		CountryOverrides: make(map[ServiceType]map[string]decimal.Decimal),
	}
}

// Rate resolves the rate for service in country. Precedence: country
// override, service default, global default, zero. country may be empty.
func (c Config) Rate(service ServiceType, country string) decimal.Decimal {
	if country != "" {
		if byCountry, ok := c.CountryOverrides[service]; ok {
			if r, ok := byCountry[strings.ToUpper(country)]; ok {
				return r
			}
		}
	}
	if r, ok := c.ServiceDefaults[service]; ok {
		return r
	}
	return c.GlobalDefault
}

func (c *Config) SetGlobalDefault(rate decimal.Decimal) error {
	if err := ValidateRate(rate); err != nil {
		return err
	}
	c.GlobalDefault = rate
	return nil
}

func (c *Config) SetServiceDefault(service ServiceType, rate decimal.Decimal) error {
	if !service.Valid() {
		return fmt.Errorf("%q: %w", service, ErrUnknownService)
	}
	if err := ValidateRate(rate); err != nil {
		return err
	}
	if c.ServiceDefaults == nil {
		c.ServiceDefaults = make(map[ServiceType]decimal.Decimal)
	}
	c.ServiceDefaults[service] = rate
	return nil
}

func (c *Config) SetCountryOverride(service ServiceType, country string, rate decimal.Decimal) error {
	if !service.Valid() {
		return fmt.Errorf("%q: %w", service, ErrUnknownService)
	}
	code, err := normalizeCountry(country)
	if err != nil {
		return err
	}
	if err := ValidateRate(rate); err != nil {
		return err
	}
	if c.CountryOverrides == nil {
		c.CountryOverrides = make(map[ServiceType]map[string]decimal.Decimal)
	}
	if c.CountryOverrides[service] == nil {
		c.CountryOverrides[service] = make(map[string]decimal.Decimal)
	}
	c.CountryOverrides[service][code] = rate
	return nil
}

// RemoveCountryOverride deletes an override. Removing an absent override
// is a no-op.
func (c *Config) RemoveCountryOverride(service ServiceType, country string) {
	byCountry, ok := c.CountryOverrides[service]
	if !ok {
		return
	}
	delete(byCountry, strings.ToUpper(country))
	if len(byCountry) == 0 {
		delete(c.CountryOverrides, service)
	}
}

// Validate checks every rate, service type and country code.
func (c Config) Validate() error {
	if err := ValidateRate(c.GlobalDefault); err != nil {
		return fmt.Errorf("global default: %w", err)
	}
	for service, rate := range c.ServiceDefaults {
		if !service.Valid() {
			return fmt.Errorf("%q: %w", service, ErrUnknownService)
		}
		if err := ValidateRate(rate); err != nil {
			return fmt.Errorf("%s default: %w", service, err)
		}
	}
	for service, byCountry := range c.CountryOverrides {
		if !service.Valid() {
			return fmt.Errorf("%q: %w", service, ErrUnknownService)
		}
		for country, rate := range byCountry {
			if _, err := normalizeCountry(country); err != nil {
				return err
			}
			if err := ValidateRate(rate); err != nil {
				return fmt.Errorf("%s/%s override: %w", service, country, err)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.ServiceDefaults = make(map[ServiceType]decimal.Decimal, len(c.ServiceDefaults))
	for k, v := range c.ServiceDefaults {
		out.ServiceDefaults[k] = v
	}
	out.CountryOverrides = make(map[ServiceType]map[string]decimal.Decimal, len(c.CountryOverrides))
	for service, byCountry := range c.CountryOverrides {
		m := make(map[string]decimal.Decimal, len(byCountry))
		for k, v := range byCountry {
			m[k] = v
		}
		out.CountryOverrides[service] = m
	}
	return out
}

// normalizeCountry accepts ISO-3166 alpha-2 codes in any case.
func normalizeCountry(country string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(country))
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return "", fmt.Errorf("%q: %w", country, ErrInvalidCountry)
	}
	return code, nil
}
