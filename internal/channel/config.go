package channel

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type EmailConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	From        string   `yaml:"from"`
	FromName    string   `yaml:"from_name"`
	To          []string `yaml:"to"`
	StartTLS    *bool    `yaml:"starttls"`
	ImplicitTLS bool     `yaml:"implicit_tls"`
}

func (c *EmailConfig) UseStartTLS() bool { return c.StartTLS == nil || *c.StartTLS }

func (c *EmailConfig) validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.From == "" {
		c.From = c.Username
	}
	if _, err := mail.ParseAddress(c.From); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if len(c.To) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, to := range c.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return fmt.Errorf("recipient %q: %w", to, err)
		}
	}
	return nil
}

type WebhookFormat string

const (
	FormatGeneric WebhookFormat = "generic"
	FormatWeCom   WebhookFormat = "wecom"
	FormatLark    WebhookFormat = "lark"
)

type WebhookConfig struct {
	URL              string            `yaml:"url"`
	Format           WebhookFormat     `yaml:"format"`
	Secret           string            `yaml:"secret"`
	Headers          map[string]string `yaml:"headers"`
	Mentioned        []string          `yaml:"mentioned"`
	MentionedMobiles []string          `yaml:"mentioned_mobiles"`
	Markdown         *bool             `yaml:"markdown"`
	Timeout          time.Duration     `yaml:"timeout"`
}

// UseMarkdown reports whether the markdown body is sent. It defaults to true.
func (c *WebhookConfig) UseMarkdown() bool { return c.Markdown == nil || *c.Markdown }

func (c *WebhookConfig) validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url %q is not an http(s) url", c.URL)
	}
	if c.Format == "" {
		c.Format = FormatGeneric
	}
	switch c.Format {
	case FormatGeneric, FormatWeCom, FormatLark:
	default:
		return fmt.Errorf("unknown webhook format %q", c.Format)
	}
	return nil
}

type TelegramConfig struct {
	Token     string `yaml:"token"`
	ChatID    int64  `yaml:"chat_id"`
	ParseMode string `yaml:"parse_mode"`
	APIURL    string `yaml:"api_url"`
}

func (c *TelegramConfig) validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.ChatID == 0 {
		return errors.New("chat_id is required")
	}
	return nil
}

// Config is one named channel. Exactly one of Email, Webhook or Telegram is
// set, matching Kind. Disabled holds the reason a channel cannot be used.
type Config struct {
	Name       string
	Kind       Kind
	Enabled    bool
	RatePerSec float64
	Burst      int
	Email      *EmailConfig
	Webhook    *WebhookConfig
	Telegram   *TelegramConfig
	Disabled   string
}

// Usable reports whether the channel can be dispatched to.
func (c Config) Usable() bool { return c.Enabled && c.Disabled == "" }

type configHeader struct {
	Kind       Kind    `yaml:"kind"`
	Enabled    *bool   `yaml:"enabled"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// UnmarshalYAML decodes the kind header and then the matching payload from
// the same mapping.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var h configHeader
	if err := node.Decode(&h); err != nil {
		return err
	}
	c.Kind = h.Kind
	c.Enabled = h.Enabled == nil || *h.Enabled
	c.RatePerSec = h.RatePerSec
	c.Burst = h.Burst

	switch h.Kind {
	case KindEmail:
		c.Email = &EmailConfig{}
		return node.Decode(c.Email)
	case KindWebhook:
		c.Webhook = &WebhookConfig{}
		return node.Decode(c.Webhook)
	case KindTelegram:
		c.Telegram = &TelegramConfig{}
		return node.Decode(c.Telegram)
	}
	return nil
}

// Validate checks that the payload matches the kind and is complete.
func (c *Config) Validate() error {
	switch c.Kind {
	case KindEmail:
		if c.Email == nil {
			return errors.New("email settings missing")
		}
		return c.Email.validate()
	case KindWebhook:
		if c.Webhook == nil {
			return errors.New("webhook settings missing")
		}
		return c.Webhook.validate()
	case KindTelegram:
		if c.Telegram == nil {
			return errors.New("telegram settings missing")
		}
		return c.Telegram.validate()
	case "":
		return errors.New("kind is required")
	}
	return fmt.Errorf("unknown kind %q", c.Kind)
}

type fileFormat struct {
	Defaults []string          `yaml:"defaults"`
	Channels map[string]Config `yaml:"channels"`
}

// Set is an immutable snapshot of the configured channels.
type Set struct {
	Defaults []string
	LoadedAt time.Time
	channels map[string]Config
}

func NewSet(defaults []string, configs ...Config) *Set {
	s := &Set{Defaults: defaults, LoadedAt: time.Now(), channels: make(map[string]Config, len(configs))}
	for _, c := range configs {
		if err := c.Validate(); err != nil && c.Disabled == "" {
			c.Disabled = err.Error()
		}
		s.channels[c.Name] = c
	}
	return s
}

// Parse decodes a channels file. Channels that fail validation are kept as
// disabled; only a malformed document is an error.
func Parse(data []byte) (*Set, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing channels: %w", err)
	}
	if len(f.Defaults) == 0 {
		f.Defaults = []string{"email"}
	}
	configs := make([]Config, 0, len(f.Channels))
	for name, c := range f.Channels {
		c.Name = name
		configs = append(configs, c)
	}
	set := NewSet(f.Defaults, configs...)
	for _, name := range set.Names() {
		if c := set.channels[name]; c.Disabled != "" {
			log.Warn().Str("channel", name).Str("reason", c.Disabled).Msg("channel disabled by invalid configuration")
		}
	}
	return set, nil
}

func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading channels file: %w", err)
	}
	return Parse(data)
}

func (s *Set) Lookup(name string) (Config, bool) {
	c, ok := s.channels[name]
	return c, ok
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the target channel names for a task: the requested names,
// or the defaults when none were requested. Duplicates are dropped.
func (s *Set) Resolve(requested []string) []string {
	names := requested
	if len(names) == 0 {
		names = s.Defaults
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Holder publishes the current Set. Readers take one snapshot per dispatch;
// reloads replace it atomically.
type Holder struct {
	p atomic.Pointer[Set]
}

func NewHolder(set *Set) *Holder {
	h := &Holder{}
	if set == nil {
		set = NewSet(nil)
	}
	h.p.Store(set)
	return h
}

func (h *Holder) Current() *Set { return h.p.Load() }

func (h *Holder) Swap(set *Set) *Set { return h.p.Swap(set) }
