package models

// MConfig Structure
type MConfig struct {
	Name       string            `yaml:"name"`
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	LogLevel   string            `yaml:"log_level"`
	LogFormat  string            `yaml:"log_format"`
	GrpcHost   string            `yaml:"grpc_host"`
	GrpcPort   int               `yaml:"grpc_port"`
	Storage    MStorageConfig    `yaml:"storage"`
	Network    MNetworkConfig    `yaml:"network"`
	DataSource MDataSourceConfig `yaml:"data_source"`
	Calendar   MCalendarConfig   `yaml:"calendar"`
	Cache      MCacheConfig      `yaml:"cache"`
	Scheduler  MSchedulerConfig  `yaml:"scheduler"`
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type"`
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
	Schema             string `yaml:"schema"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	ReadRetryMillis    int    `yaml:"read_retry_backoff_ms"`
}

type MNetworkConfig struct {
	Proxies        []string `yaml:"proxies"`
	RequestTimeout int      `yaml:"timeout"`
	UserAgent      string   `yaml:"user_agent"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	RateBurst      int      `yaml:"rate_burst"`
}

type MDataSourceConfig struct {
	Name                string   `yaml:"name"`
	BaseURL             string   `yaml:"base_url"`
	Mirrors             []string `yaml:"mirrors"` // tried in order when base_url fails
	FetchTimeoutSeconds int      `yaml:"fetch_timeout_seconds"`
}

type MCalendarConfig struct {
	MIC        string `yaml:"mic"`
	Timezone   string `yaml:"timezone"`
	SettleTime string `yaml:"settle_time"` // HH:MM local exchange time
}

type MCacheConfig struct {
	RangeConcurrency int `yaml:"range_concurrency"`
	MaxRangeDays     int `yaml:"max_range_days"`
}

type MSchedulerConfig struct {
	Enabled            bool   `yaml:"enabled"`
	WarmupSpec         string `yaml:"warmup_spec"`
	HealthSpec         string `yaml:"health_spec"`
	WarmupLookbackDays int    `yaml:"warmup_lookback_days"`
}
