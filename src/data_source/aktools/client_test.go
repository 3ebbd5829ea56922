package aktools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pool-observer/src/helpers"
	"pool-observer/src/logger"
	"pool-observer/src/models"
	"pool-observer/src/network"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) *AKToolsSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &models.MConfig{}
	cfg.DataSource.BaseURL = srv.URL
	cfg.Network.RatePerSecond = 1000
	cfg.Network.RateBurst = 10

	log := logger.NewNopLogger()
	return NewAKToolsSource(cfg, network.NewAsyncNetworkManager(cfg, log), log)
}

func TestFetchParsesRows(t *testing.T) {
	var gotPath, gotDate string
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDate = r.URL.Query().Get("date")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"序号": 1, "代码": "600000", "名称": "浦发银行", "涨跌幅": 10.02, "连板数": 2},
			{"序号": 2, "代码": "000001", "名称": "平安银行", "涨跌幅": 9.98, "连板数": 1}
		]`))
	})

	date := models.MustParseTradeDate("2024-01-15")
	rows, err := src.Fetch(context.Background(), models.PoolLimitUp, date)
	require.NoError(t, err)

	assert.Equal(t, "/api/public/stock_zt_pool_em", gotPath)
	assert.Equal(t, "20240115", gotDate)
	require.Len(t, rows, 2)
	assert.Equal(t, "600000", rows[0].Symbol)
	assert.Equal(t, models.PoolLimitUp, rows[0].PoolKind)
	assert.Equal(t, date, rows[0].TradeDate)
	assert.Equal(t, "浦发银行", rows[0].Fields["名称"])
	assert.Equal(t, json.Number("10.02"), rows[0].Fields["涨跌幅"])
}

func TestFetchUsesPoolFunction(t *testing.T) {
	paths := map[string]bool{}
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		paths[r.URL.Path] = true
		_, _ = w.Write([]byte(`[]`))
	})

	for _, kind := range models.AllPoolKinds {
		rows, err := src.Fetch(context.Background(), kind, models.MustParseTradeDate("2024-01-15"))
		require.NoError(t, err)
		assert.Empty(t, rows)
	}

	assert.True(t, paths["/api/public/stock_zt_pool_em"])
	assert.True(t, paths["/api/public/stock_zt_pool_dtgc_em"])
	assert.True(t, paths["/api/public/stock_zt_pool_zbgc_em"])
}

func TestFetchRejectsForeignDate(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"代码": "600000", "日期": "2024-01-12"}]`))
	})

	_, err := src.Fetch(context.Background(), models.PoolLimitDown, models.MustParseTradeDate("2024-01-15"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, &helpers.UpstreamError{Kind: helpers.UpstreamMalformedResponse}))
}

func TestFetchAcceptsMatchingDate(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"代码": "600000", "date": "2024-01-15T00:00:00.000"}, {"代码": "600001", "trade_date": 20240115}]`))
	})

	rows, err := src.Fetch(context.Background(), models.PoolBrokenLimit, models.MustParseTradeDate("2024-01-15"))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestFetchRejectsRowsForFutureDate(t *testing.T) {
	// The pool tables carry no date column.
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"序号": 1, "代码": "600000", "名称": "浦发银行", "最新价": 7.15, "首次封板时间": "092500"}]`))
	})

	_, err := src.Fetch(context.Background(), models.PoolLimitUp, models.MustParseTradeDate("2099-01-05"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, &helpers.UpstreamError{Kind: helpers.UpstreamMalformedResponse}))

	// Today on the exchange clock is not in the future: 2024-01-15 01:00 in Shanghai.
	src.now = func() time.Time { return time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC) }
	rows, err := src.Fetch(context.Background(), models.PoolLimitUp, models.MustParseTradeDate("2024-01-15"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = src.Fetch(context.Background(), models.PoolLimitUp, models.MustParseTradeDate("2024-01-16"))
	assert.True(t, errors.Is(err, &helpers.UpstreamError{Kind: helpers.UpstreamMalformedResponse}))
}

func TestFetchFutureDateEmptyPool(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	rows, err := src.Fetch(context.Background(), models.PoolLimitDown, models.MustParseTradeDate("2099-01-05"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFetchMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":       `<html>oops</html>`,
		"object":         `{"error": "x"}`,
		"missing symbol": `[{"名称": "浦发银行"}]`,
		"blank symbol":   `[{"代码": "  "}]`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(payload))
			})
			_, err := src.Fetch(context.Background(), models.PoolLimitUp, models.MustParseTradeDate("2024-01-15"))
			assert.Equal(t, "UpstreamMalformedResponse", helpers.ErrorKind(err))
		})
	}
}

func TestFetchStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   string
	}{
		{http.StatusTooManyRequests, "UpstreamRateLimited"},
		{http.StatusForbidden, "UpstreamRateLimited"},
		{http.StatusInternalServerError, "UpstreamUnavailable"},
		{http.StatusBadGateway, "UpstreamUnavailable"},
	}

	for _, tc := range cases {
		src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := src.Fetch(context.Background(), models.PoolLimitUp, models.MustParseTradeDate("2024-01-15"))
		assert.Equal(t, tc.kind, helpers.ErrorKind(err), "status %d", tc.status)
	}
}

func TestFetchEmptyBody(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {})

	rows, err := src.Fetch(context.Background(), models.PoolLimitUp, models.MustParseTradeDate("2024-01-15"))
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestMirrorTargetsOtherHost(t *testing.T) {
	var hit bool
	mirrorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(mirrorSrv.Close)

	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	mirror, err := src.Mirror(mirrorSrv.URL + "/")
	require.NoError(t, err)
	assert.Contains(t, mirror.Name(), "aktools@127.0.0.1")
	assert.Equal(t, "aktools", src.Name())

	rows, err := mirror.Fetch(context.Background(), models.PoolLimitUp, models.MustParseTradeDate("2024-01-15"))
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, hit)

	_, err = src.Mirror("::not a url")
	assert.Error(t, err)
}
