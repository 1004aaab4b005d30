// Package reader fetches the article behind a record's URL and extracts its
// readable text, used to fill records that arrive without a description.
package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultFetchTimeout   = 12 * time.Second
	DefaultBodyByteLimit  = 2 * 1024 * 1024
	DefaultDescriptionMax = 2000
	DefaultPerHostRate    = 1.0

	defaultUserAgent = "incidentdedup-reader/1.0"
)

type FetchOptions struct {
	Timeout       time.Duration
	BodyByteLimit int64
	MaxChars      int
	UserAgent     string
	HTTPClient    *http.Client
	// PerHostRate caps requests per second to one host. Negative disables
	// the limit.
	PerHostRate float64
}

// Fetcher retrieves description text for a record URL.
type Fetcher interface {
	FetchDescription(ctx context.Context, pageURL, title string) (string, error)
}

// HTTPFetcher is the readability-backed Fetcher. Feeds often cite the same
// publisher many times per batch, so requests are paced per host.
type HTTPFetcher struct {
	opts FetchOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHTTPFetcher(opts FetchOptions) *HTTPFetcher {
	if opts.PerHostRate == 0 {
		opts.PerHostRate = DefaultPerHostRate
	}
	return &HTTPFetcher{opts: opts, limiters: make(map[string]*rate.Limiter)}
}

func (f *HTTPFetcher) FetchDescription(ctx context.Context, pageURL, title string) (string, error) {
	if err := f.wait(ctx, pageURL); err != nil {
		return "", err
	}
	text, err := FetchText(ctx, pageURL, title, f.opts)
	if err != nil {
		return "", err
	}
	maxChars := f.opts.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultDescriptionMax
	}
	clipped, _ := TruncateText(text, maxChars)
	return clipped, nil
}

func (f *HTTPFetcher) wait(ctx context.Context, pageURL string) error {
	if f.opts.PerHostRate < 0 {
		return nil
	}
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || parsed.Host == "" {
		return nil
	}
	host := strings.ToLower(parsed.Host)

	f.mu.Lock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.opts.PerHostRate), 1)
		f.limiters[host] = limiter
	}
	f.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for %s: %w", host, err)
	}
	return nil
}

// FetchText retrieves pageURL and extracts its readable text. Plain-text
// responses are returned as is after whitespace cleanup.
func FetchText(ctx context.Context, pageURL, title string, opts FetchOptions) (string, error) {
	page := strings.TrimSpace(pageURL)
	if page == "" {
		return "", fmt.Errorf("page URL is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	bodyLimit := opts.BodyByteLimit
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyByteLimit
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/plain") {
		text := CleanText(string(body))
		if text == "" {
			return "", fmt.Errorf("reader extracted empty content")
		}
		return text, nil
	}

	parsedURL, err := url.Parse(page)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return "", fmt.Errorf("render readability text: %w", err)
	}

	text := CleanText(rendered.String())
	if text == "" {
		text = CleanText(article.Excerpt())
	}
	// A page that only repeats the headline adds nothing to the record.
	if text == "" || strings.EqualFold(text, strings.TrimSpace(title)) {
		return "", fmt.Errorf("reader extracted empty content")
	}

	return text, nil
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

// TruncateText clips text to maxChars runes, ending in a single ellipsis
// rune when clipped.
func TruncateText(raw string, maxChars int) (string, bool) {
	trimmedText := strings.TrimSpace(raw)
	if trimmedText == "" {
		return "", false
	}
	if maxChars <= 0 {
		return trimmedText, false
	}

	runes := []rune(trimmedText)
	if len(runes) <= maxChars {
		return trimmedText, false
	}
	if maxChars == 1 {
		return "…", true
	}

	clipped := strings.TrimSpace(string(runes[:maxChars-1]))
	if clipped == "" {
		return "…", true
	}

	return clipped + "…", true
}
