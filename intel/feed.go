package intel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Cxiyuan/NTA/logger"

	"github.com/cenkalti/backoff/v4"
)

// feedDocument is the JSON shape served by an indicator feed
type feedDocument struct {
	IPs     []string `json:"ips"`
	Domains []string `json:"domains"`
	Hashes  []string `json:"hashes"`
}

// Refresher periodically pulls configured indicator feeds into the service
// blocklists. It runs on its own schedule, off the detection path; a feed
// outage only means stale indicators, never blocked scoring.
type Refresher struct {
	service *Service
	client  *http.Client
}

func NewRefresher(service *Service) *Refresher {
	return &Refresher{
		service: service,
		client: &http.Client{
			Timeout: time.Duration(service.cfg.FeedTimeoutSecs) * time.Second,
		},
	}
}

// Run refreshes all feeds immediately and then on the configured interval
// until the context is canceled
func (r *Refresher) Run(ctx context.Context) {
	zlog := logger.GetLogger()

	if len(r.service.cfg.OnlineFeeds) == 0 {
		zlog.Debug().Msg("no threat intel feeds configured")
		return
	}

	r.RefreshAll(ctx)

	ticker := r.service.clock.NewTicker(time.Duration(r.service.cfg.RefreshMinutes) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.RefreshAll(ctx)
		}
	}
}

// RefreshAll pulls every configured feed once, retrying each with
// exponential backoff
func (r *Refresher) RefreshAll(ctx context.Context) {
	zlog := logger.GetLogger()

	for _, url := range r.service.cfg.OnlineFeeds {
		operation := func() error {
			return r.refreshFeed(ctx, url)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(operation, policy); err != nil {
			zlog.Warn().Err(err).Str("feed", url).Msg("unable to refresh threat intel feed")
			continue
		}
		zlog.Info().Str("feed", url).Msg("refreshed threat intel feed")
	}
}

func (r *Refresher) refreshFeed(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return err
	}

	var doc feedDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return backoff.Permanent(err)
	}

	for _, ip := range doc.IPs {
		if err := r.service.AddIOC(KindIP, ip); err != nil {
			return backoff.Permanent(err)
		}
	}
	for _, domain := range doc.Domains {
		if err := r.service.AddIOC(KindDomain, domain); err != nil {
			return backoff.Permanent(err)
		}
	}
	for _, hash := range doc.Hashes {
		if err := r.service.AddIOC(KindHash, hash); err != nil {
			return backoff.Permanent(err)
		}
	}
	return nil
}
