// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultAPIURL         = "https://api.appstoreconnect.apple.com/v1"
	DefaultRequestTimeout = 300 * time.Second
)

// Config holds everything the tap needs for one sync run. It is validated
// once at startup; downstream code may assume a valid config.
type Config struct {
	// App Store Connect API key credentials.
	IssuerID   string `mapstructure:"issuer_id"`
	KeyID      string `mapstructure:"key_id"`
	PrivateKey string `mapstructure:"private_key"`

	// Apple ID of the app whose analytics are extracted.
	AppID string `mapstructure:"app_id"`

	// Optional sync window bounds, "YYYY-MM-DD" or RFC 3339. Zero values
	// mean "use the default" (30 days back, and yesterday, respectively).
	StartDate string `mapstructure:"start_date"`
	EndDate   string `mapstructure:"end_date"`

	// RequestTimeout bounds each HTTP request, in seconds.
	RequestTimeout int `mapstructure:"request_timeout"`

	// APIURL overrides the API base URL, mainly for tests.
	APIURL string `mapstructure:"api_url"`
}

func DefaultConfig() *Config {
	return &Config{
		APIURL:         DefaultAPIURL,
		RequestTimeout: int(DefaultRequestTimeout / time.Second),
	}
}

// Load reads configuration from a file and environment variables.
// Environment variables use the prefix "TAP_APPSTORECONNECT" and the dot
// character in keys is replaced by an underscore. If path is empty, a
// config.yaml in the working directory is used when present.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("TAP_APPSTORECONNECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and date formats. It is called once by
// Load; callers constructing a Config by hand should call it themselves.
func (c *Config) Validate() error {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"issuer_id", c.IssuerID},
		{"key_id", c.KeyID},
		{"private_key", c.PrivateKey},
		{"app_id", c.AppID},
	} {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %d", c.RequestTimeout)
	}
	if _, err := ParseDate(c.StartDate); c.StartDate != "" && err != nil {
		return fmt.Errorf("invalid start_date %q: %w", c.StartDate, err)
	}
	if _, err := ParseDate(c.EndDate); c.EndDate != "" && err != nil {
		return fmt.Errorf("invalid end_date %q: %w", c.EndDate, err)
	}
	return nil
}

// StartDateValue returns the configured start date, or zero when unset.
func (c *Config) StartDateValue() time.Time {
	t, _ := ParseDate(c.StartDate)
	return t
}

// EndDateValue returns the configured end date, or zero when unset.
func (c *Config) EndDateValue() time.Time {
	t, _ := ParseDate(c.EndDate)
	return t
}

// Timeout returns the request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// ParseDate accepts "YYYY-MM-DD" or RFC 3339 and returns the UTC day.
// An empty string parses to the zero time without error.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
