package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"

	"github.com/streamstitch/stitchd/pkg/logging"
)

type ServerConfig struct {
	LogFormat string `json:"logformat"`
	LogLevel  string `json:"loglevel"`
	Port      int    `json:"port"`
	TimeoutS  int    `json:"timeoutS"`

	// Upstreams and collaborators
	OriginVariantBase string `json:"originvariantbase"`
	AdPodBase         string `json:"adpodbase"`
	SignHost          string `json:"signhost"`
	DecisionURL       string `json:"decisionurl"`
	BeaconURL         string `json:"beaconurl"`

	// Stores
	RedisAddr     string `json:"redisaddr"`
	RedisPassword string `json:"redispassword"`
	RedisDB       int    `json:"redisdb"`
	ChannelDB     string `json:"channeldb"`

	// Tunables
	WindowBucketSecs     int `json:"windowbucketsecs"`
	DecisionTimeoutMS    int `json:"decisiontimeoutms"`
	SegmentCacheMaxAge   int `json:"segmentcachemaxage"`
	ManifestCacheMaxAge  int `json:"manifestcachemaxage"`
	SCTE35PollIntervalMS int `json:"scte35pollintervalms"`
	BreakWindowMS        int `json:"breakwindowms"`

	// Auth
	JWTPublicKey   string `json:"jwtpublickey"`
	JWTAlgorithm   string `json:"jwtalgorithm"`
	SegmentSecret  string `json:"segmentsecret"`
	DevAllowNoAuth bool   `json:"devallownoauth"`

	// Rate limiting
	MaxRequests  int `json:"maxrequests"`
	ReqLimitIntS int `json:"reqlimitintS"`
}

var DefaultConfig = ServerConfig{
	LogFormat:            "text",
	LogLevel:             "info",
	Port:                 8080,
	TimeoutS:             10,
	WindowBucketSecs:     2,
	DecisionTimeoutMS:    2000,
	SegmentCacheMaxAge:   60,
	ManifestCacheMaxAge:  4,
	SCTE35PollIntervalMS: 5000,
	BreakWindowMS:        90000,
	JWTAlgorithm:         "HS256",
	ReqLimitIntS:         60,
}

// fleetEnvKeys maps the deployment environment names to koanf keys.
// These names predate this server and are fixed by the fleet tooling.
var fleetEnvKeys = map[string]string{
	"ORIGIN_VARIANT_BASE":     "originvariantbase",
	"AD_POD_BASE":             "adpodbase",
	"SIGN_HOST":               "signhost",
	"DECISION_URL":            "decisionurl",
	"BEACON_URL":              "beaconurl",
	"REDIS_ADDR":              "redisaddr",
	"REDIS_PASSWORD":          "redispassword",
	"REDIS_DB":                "redisdb",
	"CHANNEL_DB":              "channeldb",
	"WINDOW_BUCKET_SECS":      "windowbucketsecs",
	"DECISION_TIMEOUT_MS":     "decisiontimeoutms",
	"SEGMENT_CACHE_MAX_AGE":   "segmentcachemaxage",
	"MANIFEST_CACHE_MAX_AGE":  "manifestcachemaxage",
	"JWT_PUBLIC_KEY":          "jwtpublickey",
	"JWT_ALGORITHM":           "jwtalgorithm",
	"SEGMENT_SECRET":          "segmentsecret",
	"DEV_ALLOW_NO_AUTH":       "devallownoauth",
	"SCTE35_POLL_INTERVAL_MS": "scte35pollintervalms",
	"BREAK_WINDOW_MS":         "breakwindowms",
}

// LoadConfig loads defaults, config file, command line, and finally
// applies environment variables.
func LoadConfig(args []string) (*ServerConfig, error) {
	k := koanf.New(".")
	defaults := DefaultConfig
	k.Load(structs.Provider(defaults, "json"), nil)

	f := pflag.NewFlagSet("stitchd", pflag.ContinueOnError)
	f.Usage = func() {
		parts := strings.Split(args[0], "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, "Run as %s [options]:\n", name)
		f.PrintDefaults()
	}
	cfgFile := f.String("cfg", "", "path to a JSON config file")
	f.Int("port", k.Int("port"), "HTTP port")
	lf := strings.Join(logging.LogFormats, ", ")
	f.String("logformat", k.String("logformat"), fmt.Sprintf("log format [%s]", lf))
	ll := strings.Join(logging.LogLevels, ", ")
	f.String("loglevel", k.String("loglevel"), fmt.Sprintf("log level [%s]", ll))
	f.Int("timeout", k.Int("timeoutS"), "timeout for all requests (seconds)")
	f.String("originvariantbase", k.String("originvariantbase"), "default origin base URL when no channel DB is configured")
	f.String("adpodbase", k.String("adpodbase"), "default ad-pod base URL")
	f.String("signhost", k.String("signhost"), "host for signed-URL construction")
	f.String("decisionurl", k.String("decisionurl"), "ad decision service base URL")
	f.String("beaconurl", k.String("beaconurl"), "tracking beacon sink URL")
	f.String("redisaddr", k.String("redisaddr"), "Redis address for the ad-break KV store")
	f.String("channeldb", k.String("channeldb"), "SQLite channel-config database path")
	f.Int("maxrequests", k.Int("maxrequests"), "max requests per IP per interval (0 = no limit)")
	if err := f.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("command line parse: %w", err)
	}

	if *cfgFile != "" {
		cf := file.Provider(*cfgFile)
		if err := k.Load(cf, json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("parsing cli: %v", err)
	}

	// Fleet environment names first, then the generic STITCHD_ prefix.
	k.Load(env.Provider("", ".", func(s string) string {
		return fleetEnvKeys[s]
	}), nil)
	k.Load(env.Provider("STITCHD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "STITCHD_")), "_", "", -1)
	}), nil)

	var cfg ServerConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
