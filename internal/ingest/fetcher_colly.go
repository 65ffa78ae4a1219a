package ingest

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// CSVLinkDiscoverer crawls an open-data landing page and returns the first
// downloadable CSV link. Portal resource URLs rotate when datasets are
// republished; the landing page stays stable.
type CSVLinkDiscoverer struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxBodySize    int
	// Match narrows candidate links, e.g. "grants". Empty accepts any CSV.
	Match string
}

func NewCSVLinkDiscoverer(match string) *CSVLinkDiscoverer {
	return &CSVLinkDiscoverer{
		UserAgent:      defaultUserAgent,
		RequestTimeout: 30 * time.Second,
		MaxBodySize:    10 * 1024 * 1024, // 10MB
		Match:          match,
	}
}

func (d *CSVLinkDiscoverer) buildCollector(ctx context.Context, host string) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(d.UserAgent),
		colly.MaxBodySize(d.MaxBodySize),
		colly.AllowedDomains(host),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(d.RequestTimeout)
	return c
}

// Discover visits pageURL and resolves the CSV link to an absolute URL.
func (d *CSVLinkDiscoverer) Discover(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid discovery URL: %w", err)
	}

	c := d.buildCollector(ctx, parsed.Hostname())

	var found string
	var visitErr error
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if found != "" {
			return
		}
		href := e.Request.AbsoluteURL(e.Attr("href"))
		lower := strings.ToLower(href)
		if !strings.HasSuffix(lower, ".csv") && !strings.Contains(lower, ".csv?") {
			return
		}
		if d.Match != "" && !strings.Contains(lower, strings.ToLower(d.Match)) {
			return
		}
		found = href
	})
	c.OnError(func(r *colly.Response, err error) {
		visitErr = fmt.Errorf("discovery page returned %d: %w", r.StatusCode, err)
	})

	if err := c.Visit(pageURL); err != nil {
		return "", fmt.Errorf("visit failed: %w", err)
	}
	c.Wait()

	if visitErr != nil {
		return "", visitErr
	}
	if found == "" {
		return "", fmt.Errorf("no CSV link found on %s", pageURL)
	}
	log.Printf("[Colly] Discovered CSV resource %s", found)
	return found, nil
}
