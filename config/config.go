// Package config centralizes every tuneable value for the proxy so nothing
// is hunted down across the codebase when a timeout or limit needs to change.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide settings read once at bootstrap.
type Config struct {
	// ServerAddr is the address the HTTP edge listens on.
	ServerAddr string

	// TLSCertFile / TLSKeyFile optionally enable TLS termination at the edge.
	TLSCertFile string
	TLSKeyFile  string

	// CacheBackend selects the Cacher implementation: "memory" or "redis".
	CacheBackend string
	RedisURL     string

	// CacheTTL is how long a cache entry (LOCK or RESPONSE) lives.
	CacheTTL time.Duration
	// PollInterval is how often a LOSER re-checks the cache for a RESPONSE.
	PollInterval time.Duration

	// RequestTimeout bounds the upstream call.
	RequestTimeout time.Duration

	// MaxRequestBodyBytes / MaxResponseBodyBytes bound buffered bodies.
	MaxRequestBodyBytes  int64
	MaxResponseBodyBytes int64

	// SigningScheme selects which Token Codec scheme the proxy's own token
	// signer uses: "ecdsa" or "ed25519". The verifier's scheme is chosen by
	// which of ECDSA_PUB_KEY* / ED25519_PUB_KEY* is set, not by this field.
	SigningScheme string

	// ProxyTokenRefreshInterval is how often the Signer reissues agent tokens.
	ProxyTokenRefreshInterval time.Duration
	KeyServiceURL             string

	// ReplicaCount and ReplicaServiceFee feed the cycle calculator.
	ReplicaCount      int
	ReplicaServiceFee uint64

	// AdminToken gates the admin surface. Empty disables it (dev only).
	AdminToken string

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string

	// URLVars maps "URL_<NAME>" symbolic paths to absolute HTTPS URLs.
	URLVars map[string]string
	// HeaderVars maps a header *value* to its substitution, used to inject
	// secrets without exposing them in callers' configs.
	HeaderVars map[string]string

	// ECDSAPubKeysHex / Ed25519PubKeysHex are hex-encoded verifying keys read
	// from ECDSA_PUB_KEY* / ED25519_PUB_KEY* environment entries.
	ECDSAPubKeysHex   []string
	Ed25519PubKeysHex []string
}

// Load builds a Config from the process environment, applying the
// documented defaults (cache_ttl_ms=60000, poll_interval_ms=100, request
// timeout=10s).
func Load() *Config {
	return &Config{
		ServerAddr:   getEnv("SERVER_ADDR", ":8080"),
		TLSCertFile:  getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:   getEnv("TLS_KEY_FILE", ""),
		CacheBackend: getEnv("CACHE_BACKEND", "memory"),
		RedisURL:     getEnv("REDIS_URL", ""),

		CacheTTL:     getEnvMillis("CACHE_TTL_MS", 60_000*time.Millisecond),
		PollInterval: getEnvMillisFloor("POLL_INTERVAL", 100*time.Millisecond, 10*time.Millisecond),

		RequestTimeout: getEnvSecondsFloor("REQUEST_TIMEOUT", 10*time.Second, time.Second),

		MaxRequestBodyBytes:  getEnvInt64("MAX_REQUEST_BODY_BYTES", 2<<20),
		MaxResponseBodyBytes: getEnvInt64("MAX_RESPONSE_BODY_BYTES", 10<<10),

		SigningScheme: getEnv("SIGNING_SCHEME", ""),

		ProxyTokenRefreshInterval: getEnvSecondsFloor("PROXY_TOKEN_REFRESH_INTERVAL", 300*time.Second, time.Second),
		KeyServiceURL:             getEnv("KEY_SERVICE_URL", ""),

		ReplicaCount:      getEnvInt("REPLICA_COUNT", 0),
		ReplicaServiceFee: uint64(getEnvInt("REPLICA_SERVICE_FEE", 0)),

		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		URLVars:    getEnvPrefixMap("URL_"),
		HeaderVars: getEnvPrefixMap("HEADER_"),

		ECDSAPubKeysHex:   getEnvPrefixValues("ECDSA_PUB_KEY"),
		Ed25519PubKeysHex: getEnvPrefixValues("ED25519_PUB_KEY"),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvMillis parses a millisecond integer env var into a Duration.
func getEnvMillis(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

// getEnvMillisFloor is like getEnvMillis but never returns below min.
func getEnvMillisFloor(key string, fallback, min time.Duration) time.Duration {
	d := getEnvMillis(key, fallback)
	if d < min {
		return min
	}
	return d
}

// getEnvSecondsFloor parses a whole-seconds integer env var, never below min.
func getEnvSecondsFloor(key string, fallback, min time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		if fallback < min {
			return min
		}
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	d := time.Duration(n) * time.Second
	if d < min {
		return min
	}
	return d
}

// getEnvPrefixMap collects "<prefix><NAME>=value" entries into a
// "NAME" -> value map, used for URL_<NAME> and HEADER_<NAME>.
func getEnvPrefixMap(prefix string) map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		if name != "" {
			out[name] = v
		}
	}
	return out
}

// getEnvPrefixValues collects every "<prefix>*=value" entry's value, used
// for ECDSA_PUB_KEY / ECDSA_PUB_KEY_2 / ... style multi-key config.
func getEnvPrefixValues(prefix string) []string {
	var out []string
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
