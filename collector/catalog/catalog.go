package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"gpu-price-tracker/config"
	"gpu-price-tracker/metrics"
	"gpu-price-tracker/models"
	"gpu-price-tracker/utils"
)

// ErrAllProvidersFailed is returned when no provider could be fetched.
var ErrAllProvidersFailed = errors.New("every provider failed")

// Query narrows a collection run. Zero values disable a filter.
type Query struct {
	MinGPUMemory float64
	MinCPU       float64
	MaxPrice     float64
	GPUName      string
	Provider     string
}

// offersResponse is the catalog's reply to GET /offers.
type offersResponse struct {
	Offers []*models.RawOffer `json:"offers"`
}

// Collector fetches GPU offers from the catalog service, one request per provider.
type Collector struct {
	cfg    *config.Config
	logger *utils.Logger
	client *resty.Client
	pool   *utils.WorkerPool
	seen   *utils.KeySet
	retry  *utils.RetryConfig

	mu     sync.Mutex
	offers []*models.RawOffer
}

// New creates a ready-to-use catalog Collector.
func New(cfg *config.Config, logger *utils.Logger) *Collector {
	client := resty.New()
	client.SetBaseURL(cfg.CatalogURL)
	client.SetTimeout(time.Duration(cfg.HTTPTimeoutSec) * time.Second)
	client.SetHeader("Accept", "application/json")

	return &Collector{
		cfg:    cfg,
		logger: logger,
		client: client,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
		},
	}
}

// Collect fetches every configured provider concurrently and returns the
// de-duplicated offers that pass the query filters. Failed providers are
// logged and skipped; the call fails only when all of them fail.
func (c *Collector) Collect(ctx context.Context, q Query) ([]*models.RawOffer, error) {
	providers := c.providers(q)
	if len(providers) == 0 {
		return nil, errors.New("no providers configured")
	}
	c.logger.Info("[catalog] Collecting %d providers from %s", len(providers), c.cfg.CatalogURL)

	c.pool = utils.NewWorkerPool(c.cfg.MaxConcurrency, c.cfg.RateLimitMs)
	c.seen = utils.NewKeySet()
	c.offers = make([]*models.RawOffer, 0)

	var (
		failMu sync.Mutex
		failed []string
	)
	for _, p := range providers {
		provider := p
		c.pool.Submit(func() {
			var offers []*models.RawOffer
			err := c.retry.Do(ctx, "fetch "+provider, func() error {
				var err error
				offers, err = c.fetch(ctx, provider)
				return err
			})
			if err != nil {
				c.logger.Error("[catalog] %s failed: %v", provider, err)
				metrics.ProviderFailures.WithLabelValues(provider).Inc()
				failMu.Lock()
				failed = append(failed, provider)
				failMu.Unlock()
				return
			}
			kept := c.add(offers, q)
			metrics.OffersCollected.WithLabelValues(provider).Add(float64(kept))
			c.logger.Info("[catalog] %s: %d offers, %d kept", provider, len(offers), kept)
		})
	}
	c.pool.Wait()

	if len(failed) == len(providers) {
		return nil, errors.Wrapf(ErrAllProvidersFailed, "collect %s", strings.Join(failed, ", "))
	}
	if len(failed) > 0 {
		c.logger.Warn("[catalog] Skipped failed providers: %s", strings.Join(failed, ", "))
	}

	c.logger.Info("[catalog] Collection complete — unique offers: %d", c.seen.Size())
	return c.offers, nil
}

func (c *Collector) providers(q Query) []string {
	if q.Provider != "" {
		return []string{strings.ToLower(strings.TrimSpace(q.Provider))}
	}
	return c.cfg.Providers
}

func (c *Collector) fetch(ctx context.Context, provider string) ([]*models.RawOffer, error) {
	var body offersResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("provider", provider).
		SetResult(&body).
		Get("/offers")
	if err != nil {
		return nil, errors.Wrapf(err, "request %s offers", provider)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("catalog returned %s for %s", resp.Status(), provider)
	}

	now := time.Now().UTC()
	for _, o := range body.Offers {
		if o == nil {
			continue
		}
		if o.Provider == "" {
			o.Provider = provider
		}
		o.FetchedAt = now
	}
	return body.Offers, nil
}

// add appends offers that pass the filters and were not seen before.
func (c *Collector) add(offers []*models.RawOffer, q Query) int {
	kept := 0
	for _, o := range offers {
		if o == nil || !q.matches(o) {
			continue
		}
		if !c.seen.Add(offerKey(o)) {
			continue
		}
		c.mu.Lock()
		c.offers = append(c.offers, o)
		c.mu.Unlock()
		kept++
	}
	return kept
}

func (q Query) matches(o *models.RawOffer) bool {
	if q.MinGPUMemory > 0 && (o.GPUMemory == nil || *o.GPUMemory < q.MinGPUMemory) {
		return false
	}
	if q.MinCPU > 0 && (o.CPU == nil || *o.CPU < q.MinCPU) {
		return false
	}
	if q.MaxPrice > 0 && o.Price > q.MaxPrice {
		return false
	}
	if q.GPUName != "" && !strings.Contains(strings.ToUpper(o.GPUName), strings.ToUpper(q.GPUName)) {
		return false
	}
	return true
}

func offerKey(o *models.RawOffer) string {
	return fmt.Sprintf("%s|%s|%s|%t",
		strings.ToLower(o.Provider), o.InstanceName, o.Location, o.Spot)
}
