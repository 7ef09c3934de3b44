package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/scanorc/pkg/security"
)

// Config holds every value scanorc needs to start: storage backends,
// the scanner runtime, the template synthesis pipeline's collaborators,
// and the scheduler's tuning knobs.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	RedisAddr        string `yaml:"redis_addr"`
	BoltPath         string `yaml:"bolt_path"`
	ContainerdSocket string `yaml:"containerd_socket"`

	TemplateLibraryRoot string `yaml:"template_library_root"`

	ReferenceTargets       map[string]string `yaml:"reference_targets"`
	DefaultReferenceTarget string            `yaml:"default_reference_target"`

	LLMEndpoint            string                `yaml:"llm_endpoint"`
	LLMAPIKey              string                `yaml:"-"`
	LLMAPIKeyEncrypted     *security.Credential  `yaml:"llm_api_key_encrypted"`
	CVEFeedURL             string                `yaml:"cve_feed_url"`
	CVEFeedAPIKey          string                `yaml:"-"`
	CVEFeedAPIKeyEncrypted *security.Credential  `yaml:"cve_feed_api_key_encrypted"`

	QueueConcurrency map[string]int `yaml:"queue_concurrency"`

	RetryBase time.Duration `yaml:"retry_base"`
	RetryCap  time.Duration `yaml:"retry_cap"`

	JobLogPageSize int `yaml:"job_log_page_size"`
	JobLogRingCap  int `yaml:"job_log_ring_cap"`

	ContainerTTL    time.Duration `yaml:"container_ttl"`
	ReaperInterval  time.Duration `yaml:"reaper_interval"`

	MetricsAddr string `yaml:"metrics_addr"`
}

func defaults() Config {
	return Config{
		LogLevel:               "info",
		LogJSON:                false,
		RedisAddr:              "127.0.0.1:6379",
		BoltPath:               "/var/lib/scanorc/registry.db",
		ContainerdSocket:       "/run/containerd/containerd.sock",
		TemplateLibraryRoot:    "/var/lib/scanorc/templates",
		DefaultReferenceTarget: "",
		LLMEndpoint:            "",
		CVEFeedURL:             "",
		QueueConcurrency: map[string]int{
			"scan":              4,
			"generate_template": 2,
		},
		RetryBase:      5 * time.Second,
		RetryCap:       5 * time.Minute,
		JobLogPageSize: 200,
		JobLogRingCap:  2000,
		ContainerTTL:   30 * time.Minute,
		ReaperInterval: time.Minute,
		MetricsAddr:    "127.0.0.1:9090",
	}
}

// Load reads configFile (if non-empty and present) and overlays
// environment variables on top, falling back to built-in defaults for
// anything neither source sets.
func Load(configFile string) (*Config, error) {
	cfg := defaults()

	if configFile != "" {
		if err := loadYAMLFile(configFile, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveSecrets(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("SCANORC_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupBool("SCANORC_LOG_JSON"); ok {
		cfg.LogJSON = v
	}
	if v, ok := os.LookupEnv("SCANORC_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := os.LookupEnv("SCANORC_BOLT_PATH"); ok {
		cfg.BoltPath = v
	}
	if v, ok := os.LookupEnv("SCANORC_CONTAINERD_SOCKET"); ok {
		cfg.ContainerdSocket = v
	}
	if v, ok := os.LookupEnv("SCANORC_TEMPLATE_LIBRARY_ROOT"); ok {
		cfg.TemplateLibraryRoot = v
	}
	if v, ok := os.LookupEnv("SCANORC_DEFAULT_REFERENCE_TARGET"); ok {
		cfg.DefaultReferenceTarget = v
	}
	if v, ok := os.LookupEnv("SCANORC_REFERENCE_TARGETS"); ok {
		cfg.ReferenceTargets = parseKVList(v)
	}
	if v, ok := os.LookupEnv("SCANORC_LLM_ENDPOINT"); ok {
		cfg.LLMEndpoint = v
	}
	if v, ok := os.LookupEnv("SCANORC_LLM_API_KEY"); ok {
		cfg.LLMAPIKey = v
	}
	if v, ok := os.LookupEnv("SCANORC_CVE_FEED_URL"); ok {
		cfg.CVEFeedURL = v
	}
	if v, ok := os.LookupEnv("SCANORC_CVE_FEED_API_KEY"); ok {
		cfg.CVEFeedAPIKey = v
	}
	if v, ok := os.LookupEnv("SCANORC_QUEUE_CONCURRENCY"); ok {
		cfg.QueueConcurrency = parseKVIntList(v)
	}
	if v, ok := lookupDuration("SCANORC_RETRY_BASE"); ok {
		cfg.RetryBase = v
	}
	if v, ok := lookupDuration("SCANORC_RETRY_CAP"); ok {
		cfg.RetryCap = v
	}
	if v, ok := lookupInt("SCANORC_JOB_LOG_PAGE_SIZE"); ok {
		cfg.JobLogPageSize = v
	}
	if v, ok := lookupInt("SCANORC_JOB_LOG_RING_CAP"); ok {
		cfg.JobLogRingCap = v
	}
	if v, ok := lookupDuration("SCANORC_CONTAINER_TTL"); ok {
		cfg.ContainerTTL = v
	}
	if v, ok := lookupDuration("SCANORC_REAPER_INTERVAL"); ok {
		cfg.ReaperInterval = v
	}
	if v, ok := os.LookupEnv("SCANORC_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
}

// resolveSecrets decrypts any pre-encrypted credentials loaded from the
// YAML file. Plaintext values supplied directly via environment
// variables take precedence and skip decryption.
func resolveSecrets(cfg *Config) error {
	if cfg.LLMAPIKey == "" && cfg.LLMAPIKeyEncrypted != nil {
		plaintext, err := decryptCredential(cfg.LLMAPIKeyEncrypted)
		if err != nil {
			return fmt.Errorf("config: decrypt LLM API key: %w", err)
		}
		cfg.LLMAPIKey = plaintext
	}
	if cfg.CVEFeedAPIKey == "" && cfg.CVEFeedAPIKeyEncrypted != nil {
		plaintext, err := decryptCredential(cfg.CVEFeedAPIKeyEncrypted)
		if err != nil {
			return fmt.Errorf("config: decrypt CVE feed API key: %w", err)
		}
		cfg.CVEFeedAPIKey = plaintext
	}
	return nil
}

func decryptCredential(cred *security.Credential) (string, error) {
	passphrase := os.Getenv("SCANORC_SECRETS_PASSPHRASE")
	if passphrase == "" {
		return "", fmt.Errorf("SCANORC_SECRETS_PASSPHRASE is required to decrypt stored credentials")
	}
	sm, err := security.NewSecretsManagerFromPassword(passphrase)
	if err != nil {
		return "", err
	}
	plaintext, err := sm.DecryptCredential(cred)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptCredentialForStorage prepares a plaintext secret for writing
// into the YAML config file, the inverse of resolveSecrets.
func EncryptCredentialForStorage(name, plaintext, passphrase string) (*security.Credential, error) {
	sm, err := security.NewSecretsManagerFromPassword(passphrase)
	if err != nil {
		return nil, err
	}
	return sm.EncryptCredential(name, []byte(plaintext))
}

func lookupBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// parseKVList parses "a=b,c=d" into a map, used for reference targets.
func parseKVList(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func parseKVIntList(s string) map[string]int {
	out := make(map[string]int)
	for k, v := range parseKVList(s) {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}
