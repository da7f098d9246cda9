package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Uringfs metric keys
const (
	KEY_FILES_CREATED      = "uringfs_files_created"
	KEY_FILES_READ         = "uringfs_files_read"
	KEY_BYTES_WRITTEN      = "uringfs_bytes_written"
	KEY_BYTES_READ         = "uringfs_bytes_read"
	KEY_SHORT_WRITE_COUNT  = "uringfs_short_write_count"
	KEY_SHORT_READ_COUNT   = "uringfs_short_read_count"
	KEY_NO_FREE_BUF_COUNT  = "uringfs_no_free_buf_count"
	KEY_BUF_HEADROOM_COUNT = "uringfs_buf_headroom_count"
	KEY_DRAIN_LATENCY      = "uringfs_drain_latency"
	KEY_IOURING_SIZE       = "uringfs_iouring_size"
)

// Application-level metric keys
const (
	ApiRequestCount   = "api_request_count"
	ApiRequestLatency = "api_request_latency"
	MethodLatency     = "method_latency"
	MethodCount       = "method_count"
)

var (
	statsDClient    = getDefaultClient()
	samplingRate    = 0.1
	telegrafAddress = "localhost:8125"
	appName         = ""
	initialized     = false
	once            sync.Once

	// When false, all Timing/Count/Incr/Gauge calls are no-ops (zero allocations).
	// Controlled by URINGFS_METRICS_ENABLED env var ("true"/"1" to enable).
	metricsEnabled = loadMetricsEnabled()
)

func loadMetricsEnabled() bool {
	v := os.Getenv("URINGFS_METRICS_ENABLED")
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1"
}

// Init initializes the metrics client
func Init() {
	if initialized {
		log.Debug().Msgf("Metrics already initialized!")
		return
	}
	once.Do(func() {
		var err error
		samplingRate = viper.GetFloat64("APP_METRIC_SAMPLING_RATE")
		appName = viper.GetString("APP_NAME")
		globalTags := getGlobalTags()

		statsDClient, err = statsd.New(
			telegrafAddress,
			statsd.WithTags(globalTags),
		)

		if err != nil {
			log.Panic().AnErr("StatsD client initialization failed", err)
		}
		log.Info().Msgf("Metrics client initialized with telegraf address - %s, global tags - %v, and "+
			"sampling rate - %f, uringfs metrics enabled - %v", telegrafAddress, globalTags, samplingRate, metricsEnabled)
		initialized = true
	})
}

func getDefaultClient() *statsd.Client {
	client, _ := statsd.New("localhost:8125")
	return client
}

func getGlobalTags() []string {
	env := viper.GetString("APP_ENV")
	if len(env) == 0 {
		log.Warn().Msg("APP_ENV is not set")
	}
	service := viper.GetString("APP_NAME")
	if len(service) == 0 {
		log.Warn().Msg("APP_NAME is not set")
	}
	return []string{
		TagAsString(TagEnv, env),
		TagAsString(TagService, service),
	}
}

// Timing sends timing information. No-op when metrics are disabled.
func Timing(name string, value time.Duration, tags []string) {
	if !metricsEnabled {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Timing(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().AnErr("Error occurred while doing statsd timing", err)
	}
}

// Count increases metric counter by value. No-op when metrics are disabled.
func Count(name string, value int64, tags []string) {
	if !metricsEnabled {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Count(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().AnErr("Error occurred while doing statsd count", err)
	}
}

// Incr increases metric counter by 1. No-op when metrics are disabled.
func Incr(name string, tags []string) {
	if !metricsEnabled {
		return
	}
	Count(name, 1, tags)
}

// Gauge sets a gauge value. No-op when metrics are disabled.
func Gauge(name string, value float64, tags []string) {
	if !metricsEnabled {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Gauge(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().AnErr("Error occurred while doing statsd gauge", err)
	}
}

// Enabled returns whether uringfs metrics are enabled.
// Call sites should check this before allocating tags to avoid heap allocations.
func Enabled() bool {
	return metricsEnabled
}
