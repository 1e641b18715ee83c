// Package catalog loads a YAML seed of owners, filter profiles, sources and
// keyword subscriptions and upserts it into the store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"feedsift/internal/model"
)

// Store is the write side the seed needs.
type Store interface {
	UpsertProfile(ctx context.Context, p *model.Profile) error
	CreateSource(ctx context.Context, src *model.Source) error
	ListEnabledSubscriptions(ctx context.Context, ownerID int64) ([]model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
}

// Catalog is the root of a seed file.
type Catalog struct {
	Owners []Owner `yaml:"owners"`
}

// Owner groups everything one account owns.
type Owner struct {
	ID            int64    `yaml:"id"`
	Profile       *Profile `yaml:"profile"`
	Sources       []Source `yaml:"sources"`
	Subscriptions []string `yaml:"subscriptions"`
}

// Profile mirrors model.Profile. APIKey may reference environment
// variables as $NAME or ${NAME}.
type Profile struct {
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	Preference     string        `yaml:"preference"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxTokens      int           `yaml:"max_tokens"`
	ReasoningModel *bool         `yaml:"reasoning_model"`
	RefreshMinutes int           `yaml:"refresh_minutes"`
	Notify         Notify        `yaml:"notify"`
}

// Notify configures keyword match delivery.
type Notify struct {
	Enabled     bool   `yaml:"enabled"`
	Destination string `yaml:"destination"`
}

// Source is one feed. Enabled defaults to true.
type Source struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	Enabled        *bool  `yaml:"enabled"`
	RefreshMinutes int    `yaml:"refresh_minutes"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Profiles      int
	Sources       int
	Subscriptions int
}

// Load reads and validates a seed file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates seed YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[int64]bool)
	for i, o := range c.Owners {
		if o.ID <= 0 {
			return fmt.Errorf("owner #%d: id must be positive", i+1)
		}
		if seen[o.ID] {
			return fmt.Errorf("owner %d: declared twice", o.ID)
		}
		seen[o.ID] = true

		if p := o.Profile; p != nil {
			if p.BaseURL == "" || p.Model == "" {
				return fmt.Errorf("owner %d: profile needs base_url and model", o.ID)
			}
			if p.Notify.Enabled && p.Notify.Destination == "" {
				return fmt.Errorf("owner %d: notify enabled without destination", o.ID)
			}
			if p.RefreshMinutes < 0 || p.MaxTokens < 0 {
				return fmt.Errorf("owner %d: refresh_minutes and max_tokens must be non-negative", o.ID)
			}
		}
		for _, s := range o.Sources {
			if err := validateURL(s.URL); err != nil {
				return fmt.Errorf("owner %d: source %q: %w", o.ID, s.Name, err)
			}
			if s.RefreshMinutes < 0 {
				return fmt.Errorf("owner %d: source %q: refresh_minutes must be non-negative", o.ID, s.Name)
			}
		}
		for _, kw := range o.Subscriptions {
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("owner %d: empty subscription", o.ID)
			}
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must be http or https")
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}

// Apply upserts the catalog. Sources are matched on owner and URL, profiles
// on owner. A subscription is only created when the owner has no enabled
// subscription with the same keywords.
func (c *Catalog) Apply(ctx context.Context, store Store, log *slog.Logger) (Summary, error) {
	var sum Summary
	for _, o := range c.Owners {
		if o.Profile != nil {
			p := o.Profile.toModel(o.ID)
			if err := store.UpsertProfile(ctx, p); err != nil {
				return sum, fmt.Errorf("owner %d: %w", o.ID, err)
			}
			sum.Profiles++
		}

		for _, s := range o.Sources {
			src := s.toModel(o.ID)
			if err := store.CreateSource(ctx, src); err != nil {
				return sum, fmt.Errorf("owner %d: %w", o.ID, err)
			}
			log.Debug("seeded source", "owner_id", o.ID, "source_id", src.ID, "url", src.URL)
			sum.Sources++
		}

		n, err := seedSubscriptions(ctx, store, o)
		sum.Subscriptions += n
		if err != nil {
			return sum, fmt.Errorf("owner %d: %w", o.ID, err)
		}
	}

	log.Info("catalog applied",
		"owners", len(c.Owners),
		"profiles", sum.Profiles,
		"sources", sum.Sources,
		"subscriptions", sum.Subscriptions,
	)
	return sum, nil
}

func seedSubscriptions(ctx context.Context, store Store, o Owner) (int, error) {
	if len(o.Subscriptions) == 0 {
		return 0, nil
	}
	existing, err := store.ListEnabledSubscriptions(ctx, o.ID)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, sub := range existing {
		have[normalizeKeywords(sub.Keywords)] = true
	}

	created := 0
	for _, kw := range o.Subscriptions {
		key := normalizeKeywords(kw)
		if have[key] {
			continue
		}
		sub := &model.Subscription{OwnerID: o.ID, Keywords: key, Enabled: true}
		if err := store.CreateSubscription(ctx, sub); err != nil {
			return created, err
		}
		have[key] = true
		created++
	}
	return created, nil
}

func normalizeKeywords(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (p *Profile) toModel(ownerID int64) *model.Profile {
	return &model.Profile{
		OwnerID:           ownerID,
		BaseURL:           strings.TrimRight(p.BaseURL, "/"),
		Model:             p.Model,
		APIKey:            os.ExpandEnv(p.APIKey),
		Preference:        strings.TrimSpace(p.Preference),
		ConnectTimeout:    p.ConnectTimeout,
		ReadTimeout:       p.ReadTimeout,
		WriteTimeout:      p.WriteTimeout,
		MaxTokens:         p.MaxTokens,
		ReasoningModel:    p.ReasoningModel,
		RefreshMinutes:    p.RefreshMinutes,
		NotifyEnabled:     p.Notify.Enabled,
		NotifyDestination: p.Notify.Destination,
	}
}

func (s Source) toModel(ownerID int64) *model.Source {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	name := s.Name
	if name == "" {
		name = s.URL
	}
	return &model.Source{
		OwnerID:        ownerID,
		Name:           name,
		URL:            s.URL,
		Enabled:        enabled,
		RefreshMinutes: s.RefreshMinutes,
	}
}
