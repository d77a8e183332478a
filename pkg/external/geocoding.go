package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/clinimatch-server/internal/domain"
)

// ErrGeocodeQuota signals the provider rejected the request for quota
// reasons. Once seen, lookups are suspended for a cool-down period so a
// dead quota is not burned further.
var ErrGeocodeQuota = errors.New("geocoding quota exceeded")

// GeocodingClient resolves trial site addresses to coordinates using a
// Nominatim-style search endpoint. The same facility address recurs
// across many trials, so resolved addresses are cached in an LRU with
// their own TTL.
type GeocodingClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	retry      *RetryExecutor
	cache      *lru.Cache
	cacheTTL   time.Duration
	workers    int
	log        *logrus.Logger

	quotaMu       sync.Mutex
	quotaUntil    time.Time
	quotaCooldown time.Duration
}

// GeocodingClientConfig represents configuration for the geocoding client
type GeocodingClientConfig struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	RateLimit  int
	RetryCount int
	RetryDelay time.Duration
	CacheSize  int
	CacheTTL   time.Duration
	Workers    int

	// QuotaCooldown is how long lookups stay suspended after the
	// provider rejects a request for quota reasons.
	QuotaCooldown time.Duration
}

// cachedCoords is an address cache entry stamped with its own expiry
type cachedCoords struct {
	coords   domain.Coordinates
	cachedAt time.Time
	ttl      time.Duration
}

func (c *cachedCoords) isExpired() bool {
	return time.Since(c.cachedAt) > c.ttl
}

// NewGeocodingClient creates a new geocoding client
func NewGeocodingClient(config GeocodingClientConfig, logger *logrus.Logger) (*GeocodingClient, error) {
	if config.BaseURL == "" {
		config.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if config.UserAgent == "" {
		config.UserAgent = "clinimatch-server/1.0"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1
	}
	if config.RetryCount == 0 {
		config.RetryCount = 2
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2048
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 30 * 24 * time.Hour
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Workers > 5 {
		config.Workers = 5
	}
	if config.QuotaCooldown == 0 {
		config.QuotaCooldown = 5 * time.Minute
	}

	cache, err := lru.New(config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create address cache: %w", err)
	}

	return &GeocodingClient{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		userAgent: config.UserAgent,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		retry: &RetryExecutor{
			MaxRetries:   config.RetryCount,
			InitialDelay: config.RetryDelay,
			Linear:       true,
			Log:          logger,
		},
		cache:         cache,
		cacheTTL:      config.CacheTTL,
		workers:       config.Workers,
		quotaCooldown: config.QuotaCooldown,
		log:           logger,
	}, nil
}

// Resolve fills in coordinates for the given locations. Unresolved
// locations are kept with nil coordinates. A quota rejection suspends
// lookups for the cool-down period, which also covers subsequent calls,
// while still returning everything resolved so far.
func (g *GeocodingClient) Resolve(ctx context.Context, locations []domain.TrialLocation) []domain.TrialLocation {
	var wg sync.WaitGroup
	sem := make(chan struct{}, g.workers)

	for i := range locations {
		wg.Add(1)
		sem <- struct{}{}
		go func(loc *domain.TrialLocation) {
			defer wg.Done()
			defer func() { <-sem }()

			if g.quotaSuspended() {
				return
			}

			coords, err := g.lookup(ctx, loc.City, loc.State, loc.Country)
			if err != nil {
				if errors.Is(err, ErrGeocodeQuota) {
					g.suspendQuota()
					g.log.WithField("cooldown", g.quotaCooldown.String()).Warn("Geocoding quota exceeded, suspending lookups")
					return
				}
				g.log.WithFields(logrus.Fields{
					"city":  loc.City,
					"state": loc.State,
					"error": err.Error(),
				}).Debug("Geocoding failed for location")
				return
			}
			loc.Coordinates = coords
		}(&locations[i])
	}
	wg.Wait()

	return locations
}

// quotaSuspended reports whether the quota cool-down is still in effect
func (g *GeocodingClient) quotaSuspended() bool {
	g.quotaMu.Lock()
	defer g.quotaMu.Unlock()
	return time.Now().Before(g.quotaUntil)
}

// suspendQuota starts the quota cool-down
func (g *GeocodingClient) suspendQuota() {
	g.quotaMu.Lock()
	defer g.quotaMu.Unlock()
	g.quotaUntil = time.Now().Add(g.quotaCooldown)
}

// lookup resolves one address, consulting the cache first
func (g *GeocodingClient) lookup(ctx context.Context, city, state, country string) (*domain.Coordinates, error) {
	key := addressKey(city, state, country)

	if val, ok := g.cache.Get(key); ok {
		cached := val.(*cachedCoords)
		if !cached.isExpired() {
			coords := cached.coords
			return &coords, nil
		}
		g.cache.Remove(key)
	}

	var coords *domain.Coordinates
	err := g.retry.Do(ctx, "geocoding", func() error {
		result, callErr := g.search(ctx, city, state, country)
		if callErr != nil {
			return callErr
		}
		coords = result
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrGeocodeQuota) {
			return nil, ErrGeocodeQuota
		}
		return nil, err
	}

	g.cache.Add(key, &cachedCoords{
		coords:   *coords,
		cachedAt: time.Now(),
		ttl:      g.cacheTTL,
	})
	return coords, nil
}

// nominatimResult is one entry of the search endpoint's JSON array
type nominatimResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// search performs one geocoding request
func (g *GeocodingClient) search(ctx context.Context, city, state, country string) (*domain.Coordinates, error) {
	if err := g.rateLimit.Wait(ctx); err != nil {
		return nil, Permanent(err)
	}

	params := url.Values{
		"format": {"json"},
		"limit":  {"1"},
		"city":   {city},
	}
	if state != "" {
		params.Set("state", state)
	}
	if country != "" {
		params.Set("country", country)
	}

	fullURL := fmt.Sprintf("%s/search?%s", g.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, Permanent(ErrGeocodeQuota)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("geocoding service returned status %d", resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, Permanent(fmt.Errorf("geocoding service returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read geocoding response: %w", err)
	}

	var results []nominatimResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, Permanent(fmt.Errorf("failed to parse geocoding response: %w", err))
	}
	if len(results) == 0 {
		return nil, Permanent(fmt.Errorf("no geocoding result for %s", addressKey(city, state, country)))
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid latitude %q: %w", results[0].Lat, err))
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid longitude %q: %w", results[0].Lon, err))
	}

	return &domain.Coordinates{Latitude: lat, Longitude: lon}, nil
}

// addressKey builds the cache key for an address
func addressKey(city, state, country string) string {
	return strings.ToLower(fmt.Sprintf("%s|%s|%s",
		strings.TrimSpace(city), strings.TrimSpace(state), strings.TrimSpace(country)))
}

// CacheLen returns the number of cached addresses
func (g *GeocodingClient) CacheLen() int {
	return g.cache.Len()
}
