// Package timesync estimates the local clock's offset from external
// time sources. One-time codes are time-derived, so a skewed clock
// silently generates codes the server rejects; correcting against a
// consensus of HTTP Date headers avoids that failure mode without
// requiring NTP access.
package timesync

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// sourceTimeout bounds each individual probe.
const sourceTimeout = 5 * time.Second

// Source is one external clock to sample.
type Source struct {
	Name string
	URL  string
}

// DefaultSources mirrors the probe set the service has always used:
// two public time hosts plus the remote API itself, which is the clock
// that actually judges the codes.
func DefaultSources(apiBase string) []Source {
	return []Source{
		{Name: "worldtimeapi", URL: "https://worldtimeapi.org/api/timezone/Etc/UTC"},
		{Name: "google", URL: "https://time.google.com"},
		{Name: "api-gateway", URL: apiBase + "/gateway"},
	}
}

// Synchronizer samples sources once and reports a consensus offset.
type Synchronizer struct {
	client *http.Client
	logger *slog.Logger
}

// New builds a Synchronizer. A nil client gets a dedicated one with the
// per-source timeout baked in.
func New(client *http.Client, logger *slog.Logger) *Synchronizer {
	if client == nil {
		client = &http.Client{Timeout: sourceTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{client: client, logger: logger.With("component", "timesync")}
}

// Estimate queries every source concurrently and returns the mean
// offset in seconds between the sources' consensus time and the local
// clock. Sources that error, time out, or omit a Date header are
// skipped; if none succeed the offset is 0. Never fails: a fully
// unreachable network degrades to assuming no skew.
func (s *Synchronizer) Estimate(ctx context.Context, sources []Source) int64 {
	type sample struct {
		unix int64
		ok   bool
	}
	results := make(chan sample, len(sources))
	for _, src := range sources {
		go func(src Source) {
			unix, ok := s.probe(ctx, src)
			results <- sample{unix: unix, ok: ok}
		}(src)
	}

	var sum, n int64
	for range sources {
		r := <-results
		if r.ok {
			sum += r.unix
			n++
		}
	}
	if n == 0 {
		s.logger.Warn("no time source responded; assuming zero clock offset")
		return 0
	}

	offset := sum/n - time.Now().Unix()
	s.logger.Info("clock offset estimated", "offset_seconds", offset, "sources", n)
	return offset
}

// probe fetches one source and derives its Unix time from the Date
// header plus half the observed round trip.
func (s *Synchronizer) probe(ctx context.Context, src Source) (int64, bool) {
	ctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, src.URL, nil)
	if err != nil {
		return 0, false
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("time source unreachable", "source", src.Name, "error", err)
		return 0, false
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return 0, false
	}
	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0, false
	}
	return serverTime.Add(rtt / 2).Unix(), true
}
