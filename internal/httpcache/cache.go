// Package httpcache provides the repository.Fetcher implementations: a
// plain HTTP fetcher and a SQLite-backed cache around it.
//
// Responses are memoized by URL with a time-based expiration so repeated
// listing walks (notably `--list`, which fetches one page per minor series)
// do not hammer the vendor's servers.
package httpcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultTTL is the expiration applied to cached responses unless a caller
// asks for a shorter one.
const DefaultTTL = 72 * time.Hour

// NightlyTTL is used for sources that change daily: the daily-builds page,
// the nightly archive and the versions manifest.
const NightlyTTL = 24 * time.Hour

// Response is one cached HTTP body keyed by URL.
type Response struct {
	URL       string `gorm:"primaryKey"`
	Body      []byte `gorm:"not null"`
	FetchedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

// Direct is the uncached fetcher. It performs a plain GET and fails on any
// non-200 status.
type Direct struct {
	Client *http.Client
}

// Fetch implements repository.Fetcher.
func (d *Direct) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}

// Cache memoizes Direct responses in a SQLite database.
type Cache struct {
	db       *gorm.DB
	upstream *Direct
	ttl      time.Duration
	volatile func(url string) bool
}

// Config holds cache configuration.
type Config struct {
	// DatabasePath is the SQLite file location.
	DatabasePath string
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
	// Volatile marks URLs whose content changes daily; they are cached
	// with NightlyTTL instead of the default.
	Volatile func(url string) bool
	// Client is the HTTP client used on cache misses.
	Client *http.Client
}

// Open initializes the cache database and runs migrations.
func Open(cfg Config) (*Cache, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := db.AutoMigrate(&Response{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		db:       db,
		upstream: &Direct{Client: cfg.Client},
		ttl:      ttl,
		volatile: cfg.Volatile,
	}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	return nil
}

// Fetch implements repository.Fetcher. Volatile URLs use NightlyTTL, the
// rest the cache's default TTL.
func (c *Cache) Fetch(ctx context.Context, url string) ([]byte, error) {
	ttl := c.ttl
	if c.volatile != nil && c.volatile(url) {
		ttl = NightlyTTL
	}
	return c.FetchTTL(ctx, url, ttl)
}

// FetchTTL returns the cached body for url if a fresh entry exists,
// otherwise fetches upstream and stores the response with the given TTL.
func (c *Cache) FetchTTL(ctx context.Context, url string, ttl time.Duration) ([]byte, error) {
	var cached Response
	err := c.db.WithContext(ctx).
		Where("url = ? AND expires_at > ?", url, time.Now()).
		First(&cached).Error
	if err == nil {
		return cached.Body, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to read cache for %s: %w", url, err)
	}

	body, err := c.upstream.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry := Response{
		URL:       url,
		Body:      body,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to store cache for %s: %w", url, err)
	}
	return body, nil
}

// Expire removes entries whose TTL has elapsed.
func (c *Cache) Expire() error {
	if err := c.db.Where("expires_at <= ?", time.Now()).Delete(&Response{}).Error; err != nil {
		return fmt.Errorf("failed to expire cache entries: %w", err)
	}
	return nil
}

// Clear removes every cached response.
func (c *Cache) Clear() error {
	if err := c.db.Where("1 = 1").Delete(&Response{}).Error; err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}
