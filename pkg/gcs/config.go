package gcs

import (
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/jacktea/gcsfs/pkg/auth"
	"github.com/jacktea/gcsfs/pkg/zone"
)

// Defaults for the read cache and the request timeout triple.
const (
	DefaultBlockSize = 128 << 20

	defaultConnectTimeout  = 120 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultMetadataTimeout = 3600 * time.Second
	defaultReadTimeout     = 3600 * time.Second
	defaultWriteTimeout    = 3600 * time.Second
)

// Options configures a Filesystem. The zero value of each cache knob keeps
// that cache disabled.
type Options struct {
	TokenProvider auth.TokenProvider
	ZoneProvider  zone.Provider
	// HTTPClient overrides the transport; nil builds one from the timeout
	// triple.
	HTTPClient *http.Client

	// Read cache sizing. BlockSize or MaxBytes of zero disables the block
	// cache.
	BlockSize    int64
	MaxBytes     int64
	MaxStaleness time.Duration

	StatCacheMaxAge              time.Duration
	StatCacheMaxEntries          int
	MatchingPathsCacheMaxAge     time.Duration
	MatchingPathsCacheMaxEntries int

	Retry    RetryConfig
	Timeouts TimeoutConfig

	// AllowedLocations gates buckets by region; empty disables the gate.
	// The literal "auto" resolves to the zone provider's region.
	AllowedLocations []string

	// AdditionalHeader is a "Name:Value" pair added to every request.
	AdditionalHeader string

	// Throttle bounds the request rate; nil means unthrottled.
	Throttle *rate.Limiter

	Stats StatsRecorder

	// Endpoint overrides for tests and private API frontends.
	JSONEndpoint   string
	MediaEndpoint  string
	UploadEndpoint string
}

// DefaultOptions returns the stock configuration: 128 MiB blocks with a
// two-block budget, all caches off, hour-long operation timeouts.
func DefaultOptions() Options {
	return Options{
		BlockSize: DefaultBlockSize,
		MaxBytes:  2 * DefaultBlockSize,
		Retry:     RetryConfig{MaxAttempts: defaultRetryAttempts, InitDelay: 500 * time.Millisecond},
		Timeouts: TimeoutConfig{
			Connect:  defaultConnectTimeout,
			Idle:     defaultIdleTimeout,
			Metadata: defaultMetadataTimeout,
			Read:     defaultReadTimeout,
			Write:    defaultWriteTimeout,
		},
	}
}

// Environment variables recognized by OptionsFromEnv.
const (
	envAllowedLocations   = "GCS_ALLOWED_BUCKET_LOCATIONS"
	envAdditionalHeader   = "GCS_ADDITIONAL_REQUEST_HEADER"
	envReadaheadBytes     = "GCS_READAHEAD_BUFFER_SIZE_BYTES"
	envBlockSizeMB        = "GCS_READ_CACHE_BLOCK_SIZE_MB"
	envMaxSizeMB          = "GCS_READ_CACHE_MAX_SIZE_MB"
	envMaxStaleness       = "GCS_READ_CACHE_MAX_STALENESS"
	envStatCacheMaxAge    = "GCS_STAT_CACHE_MAX_AGE"
	envStatCacheEntries   = "GCS_STAT_CACHE_MAX_ENTRIES"
	envMatchCacheMaxAge   = "GCS_MATCHING_PATHS_CACHE_MAX_AGE"
	envMatchCacheEntries  = "GCS_MATCHING_PATHS_CACHE_MAX_ENTRIES"
	envConnectTimeoutSecs = "GCS_REQUEST_CONNECTION_TIMEOUT_SECS"
	envIdleTimeoutSecs    = "GCS_REQUEST_IDLE_TIMEOUT_SECS"
	envMetadataTimeout    = "GCS_METADATA_REQUEST_TIMEOUT_SECS"
	envReadTimeout        = "GCS_READ_REQUEST_TIMEOUT_SECS"
	envWriteTimeout       = "GCS_WRITE_REQUEST_TIMEOUT_SECS"
)

// OptionsFromEnv applies the GCS_* environment overrides on top of the
// defaults.
func OptionsFromEnv() Options {
	opts := DefaultOptions()

	v := viper.New()
	for _, name := range []string{
		envAllowedLocations, envAdditionalHeader, envReadaheadBytes,
		envBlockSizeMB, envMaxSizeMB, envMaxStaleness,
		envStatCacheMaxAge, envStatCacheEntries,
		envMatchCacheMaxAge, envMatchCacheEntries,
		envConnectTimeoutSecs, envIdleTimeoutSecs,
		envMetadataTimeout, envReadTimeout, envWriteTimeout,
	} {
		v.BindEnv(name, name)
	}

	if spec := v.GetString(envAllowedLocations); spec != "" {
		for _, loc := range strings.Split(spec, ",") {
			if loc = strings.TrimSpace(loc); loc != "" {
				opts.AllowedLocations = append(opts.AllowedLocations, loc)
			}
		}
	}
	opts.AdditionalHeader = v.GetString(envAdditionalHeader)

	// The legacy readahead override names the block size in bytes; the
	// newer knobs win when both are set.
	if v.IsSet(envReadaheadBytes) {
		opts.BlockSize = v.GetInt64(envReadaheadBytes)
		opts.MaxBytes = 2 * opts.BlockSize
	}
	if v.IsSet(envBlockSizeMB) {
		opts.BlockSize = v.GetInt64(envBlockSizeMB) << 20
	}
	if v.IsSet(envMaxSizeMB) {
		opts.MaxBytes = v.GetInt64(envMaxSizeMB) << 20
	} else if v.IsSet(envBlockSizeMB) {
		opts.MaxBytes = 2 * opts.BlockSize
	}
	if v.IsSet(envMaxStaleness) {
		opts.MaxStaleness = time.Duration(v.GetInt64(envMaxStaleness)) * time.Second
	}

	if v.IsSet(envStatCacheMaxAge) {
		opts.StatCacheMaxAge = time.Duration(v.GetInt64(envStatCacheMaxAge)) * time.Second
	}
	opts.StatCacheMaxEntries = v.GetInt(envStatCacheEntries)
	if v.IsSet(envMatchCacheMaxAge) {
		opts.MatchingPathsCacheMaxAge = time.Duration(v.GetInt64(envMatchCacheMaxAge)) * time.Second
	}
	opts.MatchingPathsCacheMaxEntries = v.GetInt(envMatchCacheEntries)

	if v.IsSet(envConnectTimeoutSecs) {
		opts.Timeouts.Connect = time.Duration(v.GetInt64(envConnectTimeoutSecs)) * time.Second
	}
	if v.IsSet(envIdleTimeoutSecs) {
		opts.Timeouts.Idle = time.Duration(v.GetInt64(envIdleTimeoutSecs)) * time.Second
	}
	if v.IsSet(envMetadataTimeout) {
		opts.Timeouts.Metadata = time.Duration(v.GetInt64(envMetadataTimeout)) * time.Second
	}
	if v.IsSet(envReadTimeout) {
		opts.Timeouts.Read = time.Duration(v.GetInt64(envReadTimeout)) * time.Second
	}
	if v.IsSet(envWriteTimeout) {
		opts.Timeouts.Write = time.Duration(v.GetInt64(envWriteTimeout)) * time.Second
	}

	return opts
}
