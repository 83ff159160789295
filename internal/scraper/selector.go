package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
)

// SourceSelector is the registry key of the generic CSS selector scraper
const SourceSelector = "selector"

// hardPageLimit stops unbounded full crawls on sites that never return an empty page
const hardPageLimit = 500

// Default selectors; a scrape source overrides any of them.
var defaultSelectors = map[string]string{
	"product":  ".product",
	"name":     ".product-name",
	"link":     "a",
	"pricing":  "",
	"packSize": ".pack-size",
	"price":    ".price",
}

var priceDigits = regexp.MustCompile(`[0-9]+(?:[.,][0-9]{1,2})?`)
var seedCount = regexp.MustCompile(`[0-9]+`)

// SelectorScraper scrapes paginated product listings with CSS selectors.
// A "{page}" placeholder in the source URL is replaced with the page number;
// otherwise a page query parameter is added from page two on.
type SelectorScraper struct {
	client    *http.Client
	userAgent string
	throttle  Throttle
}

// NewSelectorScraper creates a selector scraper
func NewSelectorScraper(client *http.Client) *SelectorScraper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SelectorScraper{
		client:    client,
		userAgent: "seed-scraper/1.0",
	}
}

// WithThrottle paces every page fetch through t
func (s *SelectorScraper) WithThrottle(t Throttle) *SelectorScraper {
	s.throttle = t
	return s
}

// Scrape fetches pages in order and extracts their products
func (s *SelectorScraper) Scrape(ctx context.Context, site SiteConfig, pages PageRange, progress ProgressFunc) (*Output, error) {
	start := time.Now()
	logger := logging.FromContext(ctx)
	selectors := mergeSelectors(site.Selectors)

	first := max(pages.Start, 1)
	last := pages.Last()
	if last == 0 {
		last = first + hardPageLimit - 1
	}

	out := &Output{}
	for page := first; page <= last; page++ {
		pageURL, err := PageURL(site.URL, page)
		if err != nil {
			return nil, err
		}

		products, err := s.scrapePage(ctx, pageURL, selectors)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}

		out.TotalPages++
		out.Products = append(out.Products, products...)
		if progress != nil {
			progress(page, out.TotalPages, len(out.Products))
		}

		logger.WithFields(map[string]interface{}{
			"page":     page,
			"products": len(products),
		}).Debug("Scraped page")

		if len(products) == 0 && pages.Full {
			break
		}
	}

	out.Duration = time.Since(start)
	return out, nil
}

func (s *SelectorScraper) scrapePage(ctx context.Context, pageURL string, selectors map[string]string) ([]models.Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if s.throttle != nil {
		if err := s.throttle.Wait(ctx, req.URL.Host); err != nil {
			return nil, fmt.Errorf("throttle %s: %w", req.URL.Host, err)
		}
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, _ := url.Parse(pageURL)
	return ExtractProducts(doc, base, selectors), nil
}

// ExtractProducts reads every product matched by the selectors from doc.
// Products without a name or without any price are dropped.
func ExtractProducts(doc *goquery.Document, base *url.URL, selectors map[string]string) []models.Product {
	selectors = mergeSelectors(selectors)
	var products []models.Product

	doc.Find(selectors["product"]).Each(func(_ int, sel *goquery.Selection) {
		name := strings.TrimSpace(sel.Find(selectors["name"]).First().Text())
		if name == "" {
			return
		}

		link, _ := sel.Find(selectors["link"]).First().Attr("href")
		product := models.Product{
			Name: name,
			URL:  resolveURL(base, link),
		}

		if selectors["pricing"] != "" {
			sel.Find(selectors["pricing"]).Each(func(_ int, row *goquery.Selection) {
				packSize := strings.TrimSpace(row.Find(selectors["packSize"]).First().Text())
				if p, ok := newPricing(packSize, row.Find(selectors["price"]).First().Text()); ok {
					product.Pricings = append(product.Pricings, p)
				}
			})
		} else {
			packSize := strings.TrimSpace(sel.Find(selectors["packSize"]).First().Text())
			if p, ok := newPricing(packSize, sel.Find(selectors["price"]).First().Text()); ok {
				product.Pricings = append(product.Pricings, p)
			}
		}

		if len(product.Pricings) > 0 {
			products = append(products, product)
		}
	})

	return products
}

// PageURL returns the URL of page n of a listing
func PageURL(listing string, page int) (string, error) {
	if strings.Contains(listing, "{page}") {
		return strings.ReplaceAll(listing, "{page}", strconv.Itoa(page)), nil
	}

	u, err := url.Parse(listing)
	if err != nil {
		return "", fmt.Errorf("invalid listing url %q: %w", listing, err)
	}
	if page > 1 {
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ParsePrice extracts a decimal price from text such as "$12.50" or "12,50 €"
func ParsePrice(text string) (float64, bool) {
	m := priceDigits.FindString(strings.ReplaceAll(text, " ", ""))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func newPricing(packSize, priceText string) (models.Pricing, bool) {
	total, ok := ParsePrice(priceText)
	if !ok {
		return models.Pricing{}, false
	}
	if packSize == "" {
		packSize = "default"
	}

	p := models.Pricing{PackSize: packSize, TotalPrice: total}
	if n, err := strconv.Atoi(seedCount.FindString(packSize)); err == nil && n > 0 {
		p.PricePerSeed = total / float64(n)
	}
	return p, true
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func mergeSelectors(custom map[string]string) map[string]string {
	out := make(map[string]string, len(defaultSelectors))
	for k, v := range defaultSelectors {
		out[k] = v
	}
	for k, v := range custom {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
