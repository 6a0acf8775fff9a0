package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/chromedp/chromedp"
	colly "github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// WebLoaderConfig holds configuration for fetching a single page
type WebLoaderConfig struct {
	Timeout   time.Duration
	UserAgent string
	// Optional JS rendering through a headless browser
	RenderJS         bool
	WaitSelector     string
	NetworkIdleAfter time.Duration
}

// WebLoader fetches one URL and returns its readable text as a single page.
type WebLoader struct {
	cfg WebLoaderConfig
}

func NewWebLoader(cfg WebLoaderConfig) *WebLoader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &WebLoader{cfg: cfg}
}

// Load returns one PageRecord {source: rawURL, page: 0} holding the visible
// text of the page.
func (w *WebLoader) Load(ctx context.Context, rawURL string) ([]models.PageRecord, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var text string
	if w.cfg.RenderJS {
		text, err = w.loadRendered(ctx, target)
	} else {
		text, err = w.loadStatic(target)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no readable text at %s", rawURL)
	}

	logger.Info("Loaded web page", "source", rawURL, "chars", len(text))
	return []models.PageRecord{{
		Text:     text,
		Metadata: models.PageMetadata{Source: rawURL, Page: 0},
	}}, nil
}

func (w *WebLoader) loadStatic(target string) (string, error) {
	c := colly.NewCollector()
	c.SetRequestTimeout(w.cfg.Timeout)
	c.UserAgent = w.cfg.UserAgent

	var (
		text     string
		fetchErr error
		htmlSeen bool
	)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Headers.Set("Accept-Encoding", "gzip, br")
	})

	// Handle encoding before the HTML callback sees the body
	c.OnResponse(func(r *colly.Response) {
		contentType := r.Headers.Get("Content-Type")
		var bodyReader io.Reader = bytes.NewReader(r.Body)

		// colly only decompresses gzip; brotli is handled here
		if strings.Contains(r.Headers.Get("Content-Encoding"), "br") {
			decompressed, err := io.ReadAll(brotli.NewReader(bodyReader))
			if err == nil {
				r.Body = decompressed
				bodyReader = bytes.NewReader(decompressed)
			}
		}

		if len(r.Body) > 0 {
			if utf8Reader, err := charset.NewReader(bodyReader, contentType); err == nil {
				if decoded, err := io.ReadAll(utf8Reader); err == nil && len(decoded) > 0 {
					r.Body = decoded
				}
			}
		}
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		htmlSeen = true
		text = extractMainContentFromSelection(e.DOM)
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("fetching %s: status %d: %w", target, r.StatusCode, err)
			return
		}
		fetchErr = fmt.Errorf("fetching %s: %w", target, err)
	})

	if err := c.Visit(target); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("fetching %s: %w", target, err)
	}
	c.Wait()

	if fetchErr != nil {
		return "", fetchErr
	}
	if !htmlSeen {
		return "", fmt.Errorf("%s did not return an HTML document", target)
	}
	return text, nil
}

func (w *WebLoader) loadRendered(ctx context.Context, target string) (string, error) {
	html, err := renderPageHTML(ctx, target, w.cfg.Timeout, w.cfg.UserAgent, w.cfg.WaitSelector, w.cfg.NetworkIdleAfter)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", target, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing rendered %s: %w", target, err)
	}
	return extractMainContentFromSelection(doc.Selection), nil
}

// normalizeURL defaults the scheme to https, drops the fragment and default ports.
func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" {
		parsed, err = url.Parse("https://" + strings.TrimSpace(rawURL))
		if err != nil {
			return "", err
		}
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}

	parsed.Fragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	// Remove default ports
	if (parsed.Port() == "80" && parsed.Scheme == "http") || (parsed.Port() == "443" && parsed.Scheme == "https") {
		parsed.Host = parsed.Hostname()
	}

	return parsed.String(), nil
}

// renderPageHTML launches a headless browser, waits for readiness and network idle, then returns HTML
func renderPageHTML(ctx context.Context, urlStr string, timeout time.Duration, userAgent, waitSelector string, networkIdleAfter time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx, chromedp.Navigate(urlStr)); err != nil {
		return "", err
	}

	// Soft waits: a page that never settles is still read
	stepCtx, cancelStep := context.WithTimeout(browserCtx, 10*time.Second)
	_ = chromedp.Run(stepCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	cancelStep()

	if waitSelector != "" {
		stepCtx, cancelStep := context.WithTimeout(browserCtx, 15*time.Second)
		_ = chromedp.Run(stepCtx, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
		cancelStep()
	}

	if networkIdleAfter > 0 {
		idleCap := min(networkIdleAfter, 5*time.Second)
		stepCtx, cancelStep := context.WithTimeout(browserCtx, idleCap+time.Second)
		_ = chromedp.Run(stepCtx, waitForNetworkIdle(idleCap))
		cancelStep()
	}

	var html string
	if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// waitForNetworkIdle waits until no network requests are in flight for the given duration
func waitForNetworkIdle(d time.Duration) chromedp.ActionFunc {
	js := `(function(waitMs){
      return new Promise((resolve)=>{
        if (!('PerformanceObserver' in window)) {
          setTimeout(resolve, waitMs);
          return;
        }
        let last = Date.now();
        const obs = new PerformanceObserver(()=>{ last = Date.now(); });
        try { obs.observe({entryTypes:['resource','navigation']}); } catch(e) {}
        const tick = () => {
          if (Date.now()-last >= waitMs) { try { obs.disconnect(); } catch(e){} resolve(); return; }
          setTimeout(tick, 100);
        };
        tick();
      });
    })(%d);`
	return func(ctx context.Context) error {
		return chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(js, int(d.Milliseconds())), nil))
	}
}

// extractMainContentFromSelection extracts main content from a goquery Selection
func extractMainContentFromSelection(selection *goquery.Selection) string {
	doc := selection.Clone()

	// Remove unwanted elements
	doc.Find("script, style, noscript, nav, footer, header, aside, .nav, .navbar, .footer, .header, .sidebar, .advertisement, .ads, .skip-link").Remove()

	// Try semantic HTML5 elements first
	contentSelectors := []string{
		"main",
		"article",
		"[role='main']",
		".main-content",
		".content",
		"#content",
		"body",
	}

	var content strings.Builder
	for _, selector := range contentSelectors {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if len(text) > 100 {
				content.WriteString(text)
				content.WriteString("\n\n")
			}
		})
		if content.Len() > 0 {
			break
		}
	}
	if content.Len() == 0 {
		content.WriteString(doc.Find("body").Text())
	}

	// Collapse blank lines and indentation
	var cleaned []string
	for _, line := range strings.Split(content.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
