package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Telegram TelegramConfig
	AI       AIConfig
	Relay    RelayConfig
	Events   EventsConfig
	Log      LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	telegram, err := loadTelegramConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Telegram: telegram,
		AI:       ai,
		Relay:    relay,
		Events:   loadEventsConfig(),
		Log:      logCfg,
	}, nil
}

// ServerConfig 描述存活探针 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// TelegramConfig 描述聊天通道（Telegram Bot API）配置。
type TelegramConfig struct {
	Token          string
	APIBase        string
	FileBase       string
	PollTimeout    int
	RequestTimeout time.Duration
	WebhookURL     string
	WebhookSecret  string
}

// WebhookEnabled 表示是否使用 webhook 代替长轮询。
func (c TelegramConfig) WebhookEnabled() bool {
	return c.WebhookURL != ""
}

func loadTelegramConfig() (TelegramConfig, error) {
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		return TelegramConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	pollTimeout := 30
	if override, err := parseOptionalIntEnv("TELEGRAM_POLL_TIMEOUT"); err != nil {
		return TelegramConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return TelegramConfig{}, fmt.Errorf("invalid TELEGRAM_POLL_TIMEOUT value %d", *override)
		}
		pollTimeout = *override
	}

	requestTimeout, err := parseDurationEnv("TELEGRAM_REQUEST_TIMEOUT", 60*time.Second)
	if err != nil {
		return TelegramConfig{}, err
	}
	// 长轮询请求必须比 getUpdates 的 timeout 更久，否则每次都会被客户端提前打断。
	if minimum := time.Duration(pollTimeout+10) * time.Second; requestTimeout < minimum {
		requestTimeout = minimum
	}

	baseURL := strings.TrimRight(getEnvOrDefault("TELEGRAM_API_URL", "https://api.telegram.org"), "/")

	return TelegramConfig{
		Token:          token,
		APIBase:        fmt.Sprintf("%s/bot%s", baseURL, token),
		FileBase:       fmt.Sprintf("%s/file/bot%s", baseURL, token),
		PollTimeout:    pollTimeout,
		RequestTimeout: requestTimeout,
		WebhookURL:     strings.TrimSpace(os.Getenv("TELEGRAM_WEBHOOK_URL")),
		WebhookSecret:  strings.TrimSpace(os.Getenv("TELEGRAM_WEBHOOK_SECRET")),
	}, nil
}

// AI 后端类型。
const (
	ProviderGemini = "gemini"
	ProviderArk    = "ark"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider string

	GoogleAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	Timeout          time.Duration
	MaxConcurrency   int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Enabled 表示是否提供了 Ark 必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", ProviderGemini))
	if provider != ProviderGemini && provider != ProviderArk {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDurationEnv("INFERENCE_TIMEOUT", 20*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	cooldown, err := parseDurationEnv("INFERENCE_BREAKER_COOLDOWN", 30*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	concurrency, err := parseIntEnvAtLeast("INFERENCE_MAX_CONCURRENCY", 4, 1)
	if err != nil {
		return AIConfig{}, err
	}

	threshold, err := parseIntEnvAtLeast("INFERENCE_BREAKER_THRESHOLD", 5, 1)
	if err != nil {
		return AIConfig{}, err
	}

	cfg := AIConfig{
		Provider:         provider,
		GoogleAPIKey:     strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
		GeminiModel:      getEnvOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:    strings.TrimSpace(os.Getenv("GEMINI_BASE_URL")),
		APIKey:           strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:        strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:        strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:            strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:          getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:           getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:      temperature,
		TopP:             topP,
		MaxTokens:        maxTokens,
		Timeout:          timeout,
		MaxConcurrency:   concurrency,
		BreakerThreshold: threshold,
		BreakerCooldown:  cooldown,
	}

	switch provider {
	case ProviderGemini:
		if cfg.GoogleAPIKey == "" {
			return AIConfig{}, fmt.Errorf("GOOGLE_API_KEY is required when AI_PROVIDER=%s", ProviderGemini)
		}
	case ProviderArk:
		if !cfg.Enabled() {
			return AIConfig{}, fmt.Errorf("ARK_MODEL and ARK_API_KEY (or ARK_ACCESS_KEY/ARK_SECRET_KEY) are required when AI_PROVIDER=%s", ProviderArk)
		}
	}

	return cfg, nil
}

// 推理失败时的用户可见策略。
const (
	FailurePolicyNotify = "notify"
	FailurePolicySilent = "silent"
)

// RelayConfig 描述消息编排管线的行为。
type RelayConfig struct {
	MaxHistory    int
	ChunkLimit    int
	MinTextLength int
	FailurePolicy string
	ImageAck      bool
	Workers       int
	QueueSize     int
}

// NotifyOnFailure 表示推理或取图失败时是否给用户发送兜底提示。
func (c RelayConfig) NotifyOnFailure() bool {
	return c.FailurePolicy == FailurePolicyNotify
}

func loadRelayConfig() (RelayConfig, error) {
	policy := strings.ToLower(getEnvOrDefault("FAILURE_POLICY", FailurePolicyNotify))
	if policy != FailurePolicyNotify && policy != FailurePolicySilent {
		return RelayConfig{}, fmt.Errorf("invalid FAILURE_POLICY value %q", policy)
	}

	imageAck, err := parseBoolEnv("IMAGE_ACK_NOTICE", true)
	if err != nil {
		return RelayConfig{}, err
	}

	maxHistory, err := parseIntEnvAtLeast("MAX_HISTORY", 10, 1)
	if err != nil {
		return RelayConfig{}, err
	}

	chunkLimit, err := parseIntEnvAtLeast("RESPONSE_CHUNK_LIMIT", 4000, 1)
	if err != nil {
		return RelayConfig{}, err
	}

	minText, err := parseIntEnvAtLeast("MIN_TEXT_LENGTH", 3, 0)
	if err != nil {
		return RelayConfig{}, err
	}

	workers, err := parseIntEnvAtLeast("RELAY_WORKERS", 8, 1)
	if err != nil {
		return RelayConfig{}, err
	}

	queueSize, err := parseIntEnvAtLeast("RELAY_QUEUE_SIZE", 64, 1)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		MaxHistory:    maxHistory,
		ChunkLimit:    chunkLimit,
		MinTextLength: minText,
		FailurePolicy: policy,
		ImageAck:      imageAck,
		Workers:       workers,
		QueueSize:     queueSize,
	}, nil
}

// EventsConfig 描述管线事件流（Kafka）配置，Brokers 为空时关闭。
type EventsConfig struct {
	Brokers []string
	Topic   string
}

// Enabled 表示是否配置了 Kafka。
func (c EventsConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

func loadEventsConfig() EventsConfig {
	var brokers []string
	for _, broker := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return EventsConfig{
		Brokers: brokers,
		Topic:   getEnvOrDefault("KAFKA_TOPIC", "z-relay.pipeline"),
	}
}

// LogConfig 描述日志配置。
type LogConfig struct {
	Debug bool
}

func loadLogConfig() (LogConfig, error) {
	debug, err := parseBoolEnv("LOG_DEBUG", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{Debug: debug}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按秒处理，其余交给 time.ParseDuration。
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseIntEnvAtLeast(key string, defaultValue, minimum int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < minimum {
		return 0, fmt.Errorf("invalid %s value %d: must be >= %d", key, *val, minimum)
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
