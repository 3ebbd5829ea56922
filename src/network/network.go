package network

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"pool-observer/src/helpers"
	"pool-observer/src/logger"
	"pool-observer/src/models"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultRatePerSecond  = 2.0
	maxBodyBytes          = 32 << 20
)

type AsyncNetworkManager struct {
	Config       *models.MConfig
	ProxyManager *helpers.ProxyManager
	Logger       *logger.Logger
	limiter      *rate.Limiter
	timeout      time.Duration

	clientMu sync.RWMutex
	client   *http.Client
}

// -----------------------------------------------------------------------------

func NewAsyncNetworkManager(cfg *models.MConfig, log *logger.Logger) *AsyncNetworkManager {
	timeout := time.Duration(cfg.Network.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	rps := cfg.Network.RatePerSecond
	if rps <= 0 {
		rps = DefaultRatePerSecond
	}
	burst := cfg.Network.RateBurst
	if burst <= 0 {
		burst = 1
	}

	nm := &AsyncNetworkManager{
		Config:       cfg,
		ProxyManager: helpers.NewProxyManager(cfg.Network.Proxies, cfg.Network.UserAgent),
		Logger:       log,
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		timeout:      timeout,
	}
	nm.client = nm.createClient()
	return nm
}

// -----------------------------------------------------------------------------

func (nm *AsyncNetworkManager) createClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyStr := nm.ProxyManager.GetCurrentProxy(); proxyStr != "" {
		if proxyURL, err := url.Parse(proxyStr); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   nm.timeout,
	}
}

// -----------------------------------------------------------------------------

func (nm *AsyncNetworkManager) rotateProxy() {
	if !nm.ProxyManager.HasProxies() {
		return
	}

	proxy := nm.ProxyManager.RotateProxy()
	client := nm.createClient()

	nm.clientMu.Lock()
	old := nm.client
	nm.client = client
	nm.clientMu.Unlock()

	old.CloseIdleConnections()
	nm.Logger.Info("Rotated upstream proxy to %s", proxy)
}

// -----------------------------------------------------------------------------

// Get performs a single GET request. Throttling is reported as RateLimited and the
// proxy is rotated for the next call; retrying is the caller's decision.
func (nm *AsyncNetworkManager) Get(ctx context.Context, urlStr string, params map[string]string) ([]byte, error) {
	reqURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, helpers.NewUpstreamError(helpers.UpstreamUnavailable, err, "bad upstream url")
	}

	q := reqURL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	reqURL.RawQuery = q.Encode()

	// Wait fails fast when no token can arrive before the caller's deadline.
	if err := nm.limiter.Wait(ctx); err != nil {
		return nil, helpers.NewUpstreamError(helpers.UpstreamRateLimited, err, "local rate limit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, helpers.NewUpstreamError(helpers.UpstreamUnavailable, err, "build request")
	}
	req.Header.Set("User-Agent", nm.ProxyManager.GetUserAgent())
	req.Header.Set("Accept", "application/json")

	nm.clientMu.RLock()
	client := nm.client
	nm.clientMu.RUnlock()

	resp, err := client.Do(req)
	if err != nil {
		nm.Logger.Warning("Request to %s failed: %v", reqURL.Path, err)
		return nil, helpers.NewUpstreamError(helpers.UpstreamUnavailable, err, "request %s", reqURL.Path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		nm.Logger.Info("Request blocked (%d).", resp.StatusCode)
		nm.rotateProxy()
		return nil, helpers.NewUpstreamError(helpers.UpstreamRateLimited, nil, "blocked (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, helpers.NewUpstreamError(helpers.UpstreamUnavailable, nil, "bad status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, helpers.NewUpstreamError(helpers.UpstreamUnavailable, err, "read body")
	}

	return body, nil
}
