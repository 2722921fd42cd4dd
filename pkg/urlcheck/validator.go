// Package urlcheck probes markdown links in streamed response text and
// drives the correction call that rewrites the response when some are
// broken.
package urlcheck

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	probeTimeout = 5 * time.Second

	// maxConcurrentProbes bounds parallel link checks per session.
	maxConcurrentProbes = 8
)

// markdownLinkPattern captures the URL of inline markdown links.
var markdownLinkPattern = regexp.MustCompile(`\[[^\]]*\]\((https?://[^)\s]+)\)`)

// Verdict classifies one probed URL.
type Verdict int

const (
	// VerdictValid covers success and redirect statuses.
	VerdictValid Verdict = iota
	// VerdictBroken covers 4xx responses; the link is permanently wrong.
	VerdictBroken
	// VerdictTemporary covers 5xx and timeouts; the link may recover, so
	// it is left alone.
	VerdictTemporary
)

// Validator probes markdown links found in streamed paragraphs. Probes run
// in the background while the stream continues; Broken joins them at end of
// stream.
type Validator struct {
	client *http.Client
	logger *slog.Logger

	group *errgroup.Group
	gctx  context.Context

	mu     sync.Mutex
	seen   map[string]bool
	broken []string
}

// NewValidator creates a validator whose probes are bounded by ctx.
func NewValidator(ctx context.Context, logger *slog.Logger) *Validator {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	return &Validator{
		client: &http.Client{Timeout: probeTimeout},
		logger: logger.With("component", "urlcheck"),
		group:  g,
		gctx:   gctx,
		seen:   make(map[string]bool),
	}
}

// Observe scans one plain-text paragraph and spawns probes for links not
// seen before. Called from the streaming goroutine; must not block on the
// probes themselves.
func (v *Validator) Observe(paragraph string) {
	for _, url := range ExtractLinks(paragraph) {
		v.mu.Lock()
		dup := v.seen[url]
		v.seen[url] = true
		v.mu.Unlock()
		if dup {
			continue
		}
		v.group.Go(func() error {
			v.probe(v.gctx, url)
			return nil
		})
	}
}

// Broken waits for outstanding probes and returns the broken URLs in
// discovery order.
func (v *Validator) Broken() []string {
	_ = v.group.Wait() // probes report through v.broken, never as errors
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.broken...)
}

func (v *Validator) probe(ctx context.Context, url string) {
	switch v.classify(ctx, url) {
	case VerdictBroken:
		v.logger.Info("broken link in response", "url", url)
		v.mu.Lock()
		v.broken = append(v.broken, url)
		v.mu.Unlock()
	case VerdictTemporary:
		v.logger.Debug("link probe inconclusive, leaving as is", "url", url)
	}
}

// classify probes with HEAD first, then GET when HEAD fails or the server
// does not support it.
func (v *Validator) classify(ctx context.Context, url string) Verdict {
	status, err := v.request(ctx, http.MethodHead, url)
	if err == nil && status != http.StatusMethodNotAllowed && status != http.StatusNotImplemented {
		return verdictFor(status)
	}
	status, err = v.request(ctx, http.MethodGet, url)
	if err != nil {
		return VerdictTemporary
	}
	return verdictFor(status)
}

func verdictFor(status int) Verdict {
	switch {
	case status < 400:
		return VerdictValid
	case status < 500:
		return VerdictBroken
	default:
		return VerdictTemporary
	}
}

func (v *Validator) request(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	res, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	return res.StatusCode, nil
}

// ExtractLinks returns the URLs of all inline markdown links in text.
func ExtractLinks(text string) []string {
	matches := markdownLinkPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		urls = append(urls, m[1])
	}
	return urls
}
