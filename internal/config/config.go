package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Anomaly    AnomalyConfig    `yaml:"anomaly" mapstructure:"anomaly"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Imputation ImputationConfig `yaml:"imputation" mapstructure:"imputation"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Covariate  CovariateConfig  `yaml:"covariate" mapstructure:"covariate"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	RunLog     RunLogConfig     `yaml:"runlog" mapstructure:"runlog"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates raw inputs, canonical files, outputs and caches.
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`
	CanonicalDir string `yaml:"canonical_dir" mapstructure:"canonical_dir" validate:"required"`
	OutputDir    string `yaml:"output_dir" mapstructure:"output_dir" validate:"required"`
	CacheDir     string `yaml:"cache_dir" mapstructure:"cache_dir" validate:"required"`
	RenameTables string `yaml:"rename_tables" mapstructure:"rename_tables"`
}

// EngineConfig caps the embedded query engine.
type EngineConfig struct {
	MemoryLimit string `yaml:"memory_limit" mapstructure:"memory_limit" validate:"required"`
	Threads     int    `yaml:"threads" mapstructure:"threads" validate:"min=1,max=64"`
	Workers     int    `yaml:"workers" mapstructure:"workers" validate:"min=1,max=16"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// AnomalyConfig holds the audit thresholds.
type AnomalyConfig struct {
	SpeedLimit     float64 `yaml:"speed_limit" mapstructure:"speed_limit" validate:"gt=0"`
	TimeDeltaMin   float64 `yaml:"time_delta_min" mapstructure:"time_delta_min" validate:"gt=0"`
	ValueThreshold float64 `yaml:"value_threshold" mapstructure:"value_threshold" validate:"gte=0"`
	MinDurationMin float64 `yaml:"min_duration_min" mapstructure:"min_duration_min" validate:"gt=0"`
	TopVendors     int     `yaml:"top_vendors" mapstructure:"top_vendors" validate:"min=1"`
}

// AnalysisConfig configures the derived tables.
type AnalysisConfig struct {
	TargetYear             int      `yaml:"target_year" mapstructure:"target_year" validate:"min=2009"`
	ComparisonYear         int      `yaml:"comparison_year" mapstructure:"comparison_year" validate:"min=2009"`
	StartDate              string   `yaml:"start_date" mapstructure:"start_date" validate:"required,datetime=2006-01-02"`
	ZoneIDs                []int    `yaml:"zone_ids" mapstructure:"zone_ids" validate:"required,min=1"`
	QuarterMonths          []int    `yaml:"quarter_months" mapstructure:"quarter_months" validate:"required,min=1,dive,min=1,max=12"`
	LeakageMinTrans        int      `yaml:"leakage_min_trans" mapstructure:"leakage_min_trans" validate:"min=0"`
	LeakageLimit           int      `yaml:"leakage_limit" mapstructure:"leakage_limit" validate:"min=1"`
	MomentumMaxSpeed       float64  `yaml:"momentum_max_speed" mapstructure:"momentum_max_speed" validate:"gt=0"`
	MomentumMinDurationMin float64  `yaml:"momentum_min_duration_min" mapstructure:"momentum_min_duration_min" validate:"gte=0"`
	MomentumMinDistance    float64  `yaml:"momentum_min_distance" mapstructure:"momentum_min_distance" validate:"gte=0"`
	VelocitySourceTypes    []string `yaml:"velocity_source_types" mapstructure:"velocity_source_types" validate:"required,min=1,dive,oneof=yellow green"`
	VolatilitySourceTypes  []string `yaml:"volatility_source_types" mapstructure:"volatility_source_types" validate:"required,min=1,dive,oneof=yellow green"`
	VolatilityMinCount     int      `yaml:"volatility_min_count" mapstructure:"volatility_min_count" validate:"min=0"`
	CorrelationMinRows     int      `yaml:"correlation_min_rows" mapstructure:"correlation_min_rows" validate:"min=2"`
}

// ImputationReference is one reference period used to synthesize the target period.
type ImputationReference struct {
	Year        int     `yaml:"year" mapstructure:"year" validate:"min=2009"`
	Weight      float64 `yaml:"weight" mapstructure:"weight" validate:"gte=0,lte=1"`
	OffsetYears int     `yaml:"offset_years" mapstructure:"offset_years" validate:"min=1"`
}

// ImputationConfig configures missing-period synthesis.
type ImputationConfig struct {
	TargetYear  int                   `yaml:"target_year" mapstructure:"target_year" validate:"min=2009"`
	TargetMonth int                   `yaml:"target_month" mapstructure:"target_month" validate:"min=1,max=12"`
	References  []ImputationReference `yaml:"references" mapstructure:"references" validate:"dive"`
	Seed        float64               `yaml:"seed" mapstructure:"seed" validate:"gte=-1,lte=1"` // negative: unseeded
}

// SourcePeriod lists the months to acquire for one year.
type SourcePeriod struct {
	Year   int   `yaml:"year" mapstructure:"year" validate:"min=2009"`
	Months []int `yaml:"months" mapstructure:"months" validate:"dive,min=1,max=12"`
}

// SourceConfig configures raw file acquisition.
type SourceConfig struct {
	BaseURL       string         `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`
	ZoneLookupURL string         `yaml:"zone_lookup_url" mapstructure:"zone_lookup_url" validate:"omitempty,url"`
	SourceTypes   []string       `yaml:"source_types" mapstructure:"source_types" validate:"required,min=1,dive,oneof=yellow green"`
	Periods       []SourcePeriod `yaml:"periods" mapstructure:"periods" validate:"dive"`
	UserAgent     string         `yaml:"user_agent" mapstructure:"user_agent"`
	MaxRetries    int            `yaml:"max_retries" mapstructure:"max_retries" validate:"min=1,max=5"`
	MinFileBytes  int64          `yaml:"min_file_bytes" mapstructure:"min_file_bytes" validate:"min=0"`
}

// CovariateConfig configures the external daily covariate series.
type CovariateConfig struct {
	URL       string  `yaml:"url" mapstructure:"url" validate:"required,url"`
	Latitude  float64 `yaml:"latitude" mapstructure:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"longitude" mapstructure:"longitude" validate:"gte=-180,lte=180"`
	Variable  string  `yaml:"variable" mapstructure:"variable" validate:"required"`
	Timezone  string  `yaml:"timezone" mapstructure:"timezone" validate:"required"`
	Year      int     `yaml:"year" mapstructure:"year" validate:"min=1940"`
}

// PublishConfig configures the optional Postgres publisher.
type PublishConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema" validate:"required,alphanum"`
}

// RunLogConfig configures the SQLite run log.
type RunLogConfig struct {
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// ExportConfig configures the workbook export.
type ExportConfig struct {
	Workbook bool `yaml:"workbook" mapstructure:"workbook"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CongestionZoneIDs is the default designated zone: Manhattan south of 60th St.
var CongestionZoneIDs = []int{
	4, 12, 13, 24, 41, 42, 43, 45, 48, 50, 68, 74, 75, 87, 88, 90, 100, 103,
	104, 105, 107, 113, 114, 116, 120, 125, 127, 128, 137, 140, 142, 143, 144,
	148, 151, 152, 153, 158, 161, 162, 163, 164, 166, 170, 186, 194, 202, 209,
	211, 212, 213, 214, 216, 217, 224, 229, 230, 231, 232, 233, 234, 235, 236,
	237, 238, 239, 240, 241, 242, 243, 244, 245, 246, 249, 250,
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file. An empty path falls back to
// an optional config.yaml in the working directory; a named file must exist.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("paths.data_dir", "data_downloads")
	v.SetDefault("paths.canonical_dir", "data_downloads/canonical")
	v.SetDefault("paths.output_dir", "output")
	v.SetDefault("paths.cache_dir", "cache")

	v.SetDefault("engine.memory_limit", "4GB")
	v.SetDefault("engine.threads", 4)
	v.SetDefault("engine.workers", 4)

	v.SetDefault("anomaly.speed_limit", 65.0)
	v.SetDefault("anomaly.time_delta_min", 1.0)
	v.SetDefault("anomaly.value_threshold", 20.0)
	v.SetDefault("anomaly.min_duration_min", 0.1)
	v.SetDefault("anomaly.top_vendors", 5)

	v.SetDefault("analysis.target_year", 2025)
	v.SetDefault("analysis.comparison_year", 2024)
	v.SetDefault("analysis.start_date", "2025-01-05")
	v.SetDefault("analysis.zone_ids", CongestionZoneIDs)
	v.SetDefault("analysis.quarter_months", []int{1, 2, 3})
	v.SetDefault("analysis.leakage_min_trans", 100)
	v.SetDefault("analysis.leakage_limit", 20)
	v.SetDefault("analysis.momentum_max_speed", 100.0)
	v.SetDefault("analysis.momentum_min_duration_min", 1.0)
	v.SetDefault("analysis.momentum_min_distance", 0.1)
	v.SetDefault("analysis.velocity_source_types", []string{"yellow"})
	v.SetDefault("analysis.volatility_source_types", []string{"yellow"})
	v.SetDefault("analysis.volatility_min_count", 0)
	v.SetDefault("analysis.correlation_min_rows", 10)

	v.SetDefault("imputation.target_year", 2025)
	v.SetDefault("imputation.target_month", 12)
	v.SetDefault("imputation.references", []map[string]any{
		{"year": 2023, "weight": 0.30, "offset_years": 2},
		{"year": 2024, "weight": 0.70, "offset_years": 1},
	})
	v.SetDefault("imputation.seed", -1.0)

	v.SetDefault("source.base_url", "https://d37ci6vzurychx.cloudfront.net/trip-data")
	v.SetDefault("source.zone_lookup_url", "https://d37ci6vzurychx.cloudfront.net/misc/taxi+_zone_lookup.csv")
	v.SetDefault("source.source_types", []string{"yellow", "green"})
	v.SetDefault("source.periods", []map[string]any{
		{"year": 2025, "months": []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}},
		{"year": 2024, "months": []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		{"year": 2023, "months": []int{12}},
	})
	v.SetDefault("source.user_agent", "market-trends/1.0")
	v.SetDefault("source.max_retries", 2)
	v.SetDefault("source.min_file_bytes", 1024)

	v.SetDefault("covariate.url", "https://archive-api.open-meteo.com/v1/archive")
	v.SetDefault("covariate.latitude", 40.7829)
	v.SetDefault("covariate.longitude", -73.9654)
	v.SetDefault("covariate.variable", "precipitation_sum")
	v.SetDefault("covariate.timezone", "America/New_York")
	v.SetDefault("covariate.year", 2025)

	v.SetDefault("publish.schema", "analytics")
	v.SetDefault("runlog.path", "cache/runlog.db")
	v.SetDefault("export.workbook", true)
}

// Validate checks struct constraints and mode-specific requirements.
// Mode is one of "run", "ingest", "analyze" or "publish".
func (c *Config) Validate(mode string) error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	var sum float64
	for _, ref := range c.Imputation.References {
		sum += ref.Weight
	}
	if sum > 2 {
		errs = append(errs, "imputation.references weights must not sum above 2")
	}
	if c.Analysis.ComparisonYear >= c.Analysis.TargetYear {
		errs = append(errs, "analysis.comparison_year must precede analysis.target_year")
	}
	if c.Covariate.Year != c.Analysis.TargetYear {
		errs = append(errs, "covariate.year must equal analysis.target_year")
	}

	switch mode {
	case "run", "ingest", "analyze":
	case "publish":
		if c.Publish.DatabaseURL == "" {
			errs = append(errs, "publish.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
