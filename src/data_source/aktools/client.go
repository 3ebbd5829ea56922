package aktools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pool-observer/src/helpers"
	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/models"
)

const (
	DefaultBaseURL  = "http://127.0.0.1:8080"
	DefaultTimezone = "Asia/Shanghai"
	SourceName      = "aktools"
)

// Upstream function per pool, as exposed by the AKTools HTTP bridge.
var poolFunctions = map[models.PoolKind]string{
	models.PoolLimitUp:     "stock_zt_pool_em",
	models.PoolLimitDown:   "stock_zt_pool_dtgc_em",
	models.PoolBrokenLimit: "stock_zt_pool_zbgc_em",
}

// Column names probed, in order, for the instrument code and the row date.
var (
	symbolColumns = []string{"代码", "code", "symbol"}
	dateColumns   = []string{"日期", "date", "trade_date"}
)

// -----------------------------------------------------------------------------

// AKToolsSource fetches pool snapshots from an AKTools instance.
type AKToolsSource struct {
	Config  *models.MConfig
	Network interfaces.INetworkManager
	Logger  *logger.Logger
	baseURL string
	name    string

	location *time.Location // exchange clock, for rejecting rows of future dates
	now      func() time.Time
}

// -----------------------------------------------------------------------------

func NewAKToolsSource(cfg *models.MConfig, netMgr interfaces.INetworkManager, log *logger.Logger) *AKToolsSource {
	base := strings.TrimRight(cfg.DataSource.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	name := cfg.DataSource.Name
	if name == "" {
		name = SourceName
	}
	tz := cfg.Calendar.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.FixedZone("CST", 8*60*60)
	}
	return &AKToolsSource{
		Config:   cfg,
		Network:  netMgr,
		Logger:   log,
		baseURL:  base,
		name:     name,
		location: loc,
		now:      time.Now,
	}
}

// -----------------------------------------------------------------------------

// Mirror returns a source for another AKTools instance sharing this one's
// transport. Its name carries the mirror host.
func (s *AKToolsSource) Mirror(baseURL string) (*AKToolsSource, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid mirror url %q", baseURL)
	}
	m := *s
	m.baseURL = base
	m.name = s.name + "@" + u.Host
	return &m, nil
}

// -----------------------------------------------------------------------------

func (s *AKToolsSource) Name() string {
	return s.name
}

// -----------------------------------------------------------------------------

// FunctionFor returns the upstream function name serving kind.
func FunctionFor(kind models.PoolKind) (string, bool) {
	fn, ok := poolFunctions[kind]
	return fn, ok
}

// -----------------------------------------------------------------------------

func (s *AKToolsSource) Fetch(ctx context.Context, kind models.PoolKind, date models.TradeDate) ([]models.MSnapshotRecord, error) {
	fn, ok := FunctionFor(kind)
	if !ok {
		return nil, fmt.Errorf("aktools: unsupported pool kind %v", kind)
	}

	endpoint := fmt.Sprintf("%s/api/public/%s", s.baseURL, fn)
	body, err := s.Network.Get(ctx, endpoint, map[string]string{"date": date.Compact()})
	if err != nil {
		return nil, err
	}

	records, err := parsePool(body, kind, date)
	if err == nil && len(records) > 0 && date.After(models.TradeDateOf(s.now().In(s.location))) {
		// The pool tables carry no date column; the provider answers a future
		// request with the latest pool it has.
		err = helpers.NewUpstreamError(helpers.UpstreamMalformedResponse, nil,
			"%d rows returned for %s, which has not traded yet", len(records), date)
	}
	if err != nil {
		s.Logger.Warning("Rejected %s response for %s: %v", fn, date, err)
		return nil, err
	}

	s.Logger.Debug("Fetched %d %s rows for %s", len(records), kind.Slug(), date)
	return records, nil
}

// -----------------------------------------------------------------------------

// parsePool decodes the AKTools table payload (a JSON array of column->value
// objects) into records for (kind, date).
func parsePool(body []byte, kind models.PoolKind, date models.TradeDate) ([]models.MSnapshotRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []models.MSnapshotRecord{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var table []map[string]any
	if err := dec.Decode(&table); err != nil {
		return nil, helpers.NewUpstreamError(helpers.UpstreamMalformedResponse, err, "decode pool table")
	}

	records := make([]models.MSnapshotRecord, 0, len(table))
	for i, row := range table {
		symbol, ok := lookupString(row, symbolColumns)
		if !ok {
			return nil, helpers.NewUpstreamError(helpers.UpstreamMalformedResponse, nil, "row %d has no symbol column", i)
		}

		if raw, found := lookup(row, dateColumns); found {
			rowDate, err := parseRowDate(raw)
			if err != nil {
				return nil, helpers.NewUpstreamError(helpers.UpstreamMalformedResponse, err, "row %d (%s) date", i, symbol)
			}
			if rowDate != date {
				return nil, helpers.NewUpstreamError(helpers.UpstreamMalformedResponse, nil,
					"row %d (%s) is dated %s, requested %s", i, symbol, rowDate, date)
			}
		}

		records = append(records, models.MSnapshotRecord{
			PoolKind:  kind,
			TradeDate: date,
			Symbol:    symbol,
			Fields:    row,
		})
	}

	return records, nil
}

// -----------------------------------------------------------------------------

func lookup(row map[string]any, columns []string) (any, bool) {
	for _, c := range columns {
		if v, ok := row[c]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(row map[string]any, columns []string) (string, bool) {
	v, ok := lookup(row, columns)
	if !ok {
		return "", false
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// -----------------------------------------------------------------------------

// parseRowDate accepts "YYYY-MM-DD", "YYYYMMDD", an ISO timestamp whose date
// part is one of those, or the number YYYYMMDD.
func parseRowDate(v any) (models.TradeDate, error) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if i := strings.IndexAny(s, "T "); i > 0 {
			s = s[:i]
		}
		return models.ParseTradeDate(s)
	case json.Number:
		return models.ParseTradeDate(t.String())
	}
	return models.TradeDate{}, fmt.Errorf("unsupported date value %v", v)
}
