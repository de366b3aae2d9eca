// Package directory resolves participant display metadata over HTTP.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("participant not in directory")

type Config struct {
	// BaseURL is the directory root; profiles live at <BaseURL>/participants/<id>.
	BaseURL   string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

// Client implements core.Directory with an expiring LRU in front of the HTTP lookup.
type Client struct {
	base   *url.URL
	http   *http.Client
	cache  *expirable.LRU[domain.PeerID, domain.Profile]
	logger zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("directory url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("directory url: unsupported scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:   base,
		http:   hc,
		cache:  expirable.NewLRU[domain.PeerID, domain.Profile](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: log.With().Str("module", "directory").Logger(),
	}, nil
}

func (c *Client) Resolve(ctx context.Context, peer domain.PeerID) (domain.Profile, error) {
	if prof, ok := c.cache.Get(peer); ok {
		return prof, nil
	}

	u := c.base.JoinPath("participants", string(peer))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.Profile{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("directory lookup %s: %w", peer, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Profile{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return domain.Profile{}, fmt.Errorf("directory lookup %s: status %d", peer, resp.StatusCode)
	}

	var prof domain.Profile
	if err := json.NewDecoder(resp.Body).Decode(&prof); err != nil {
		return domain.Profile{}, fmt.Errorf("directory lookup %s: decode: %w", peer, err)
	}
	c.cache.Add(peer, prof)
	c.logger.Debug().Str("peer", string(peer)).Str("display_name", prof.DisplayName).Msg("profile resolved")
	return prof, nil
}

// Forget drops a cached profile.
func (c *Client) Forget(peer domain.PeerID) { c.cache.Remove(peer) }
