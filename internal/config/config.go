package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// DefaultPath 为默认配置文件路径。
const DefaultPath = "config.yaml"

// Config 聚合整个系统的配置项。
type Config struct {
	AIName     string           `yaml:"ai_name"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Brain      BrainConfig      `yaml:"brain"`
	Network    NetworkConfig    `yaml:"network"`
	Session    SessionConfig    `yaml:"session"`
	Memory     MemoryConfig     `yaml:"memory"`
	Diary      DiaryConfig      `yaml:"diary"`
	Behavior   BehaviorConfig   `yaml:"behavior"`
	Perception PerceptionConfig `yaml:"perception"`
	Action     ActionConfig     `yaml:"action"`
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Path 记录配置文件来源，重新加载时使用。
	Path string `yaml:"-"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig 描述 HTTP 监听地址。
type ServerConfig struct {
	APIAddr     string `yaml:"api_addr"`
	GatewayAddr string `yaml:"gateway_addr"`
}

// BrainConfig 描述生成引擎与对话行为。
type BrainConfig struct {
	Engine             string      `yaml:"engine"`
	APIURL             string      `yaml:"api_url"`
	APIKey             string      `yaml:"api_key"`
	APIModel           string      `yaml:"api_model"`
	Temperature        float64     `yaml:"temperature"`
	TopP               float64     `yaml:"top_p"`
	MaxTokens          int         `yaml:"max_tokens"`
	FrequencyPenalty   float64     `yaml:"frequency_penalty"`
	PresencePenalty    float64     `yaml:"presence_penalty"`
	SystemPromptPath   string      `yaml:"system_prompt_path"`
	MaxHistoryMessages int         `yaml:"max_history_messages"`
	HistoryCap         int         `yaml:"history_cap"`
	InferEmotion       bool        `yaml:"infer_emotion"`
	TurnTimeoutSeconds int         `yaml:"turn_timeout_seconds"`
	Ark                ArkConfig   `yaml:"ark"`
	Local              LocalConfig `yaml:"local"`
}

// ArkConfig 描述火山方舟模型配置。
type ArkConfig struct {
	APIKey    string `yaml:"api_key"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Region    string `yaml:"region"`
}

// LocalConfig 描述本地推理服务进程。
type LocalConfig struct {
	Command               string   `yaml:"command"`
	Args                  []string `yaml:"args"`
	ModelPath             string   `yaml:"model_path"`
	Port                  int      `yaml:"port"`
	StartupTimeoutSeconds int      `yaml:"startup_timeout_seconds"`
}

// NetworkConfig 描述远程调用的超时与重试。
type NetworkConfig struct {
	RequestTimeoutSeconds int    `yaml:"request_timeout"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout"`
	RetryCount            int    `yaml:"retry_count"`
	ProxyURL              string `yaml:"proxy_url"`
}

// SessionConfig 描述会话存储目录。
type SessionConfig struct {
	Dir string `yaml:"dir"`
}

// MemoryConfig 描述长期记忆。
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Results int    `yaml:"results"`
}

// DiaryConfig 描述关闭时写入的日记。
type DiaryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
}

// BehaviorConfig 描述主动消息调度。
type BehaviorConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	TriggerType             string   `yaml:"trigger_type"`
	IntervalMinutes         int      `yaml:"interval_minutes"`
	CronExpression          string   `yaml:"cron_expression"`
	IdleTimeoutMinutes      int      `yaml:"idle_timeout_minutes"`
	QuietHoursEnabled       bool     `yaml:"quiet_hours_enabled"`
	QuietHoursStart         string   `yaml:"quiet_hours_start"`
	QuietHoursEnd           string   `yaml:"quiet_hours_end"`
	MaxDailyMessages        int      `yaml:"max_daily_messages"`
	LLMGenerationEnabled    bool     `yaml:"llm_generation_enabled"`
	MessageTemplatesEnabled bool     `yaml:"message_templates_enabled"`
	Categories              []string `yaml:"categories"`
}

// PerceptionConfig 描述感知进程。
type PerceptionConfig struct {
	TTS TTSConfig `yaml:"tts"`
}

// TTSConfig 描述语音合成服务。
type TTSConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Provider       string  `yaml:"provider"`
	APIURL         string  `yaml:"api_url"`
	OutputDir      string  `yaml:"output_dir"`
	TimeoutSeconds int     `yaml:"timeout"`
	Speed          float32 `yaml:"speed"`
	Volume         float32 `yaml:"volume"`
	Voice          string  `yaml:"voice"`
	Language       string  `yaml:"language"`
	AppID          string  `yaml:"app_id"`
	AccessToken    string  `yaml:"access_token"`
	EmotionRefsDir string  `yaml:"emotion_refs_dir"`
}

// ActionConfig 描述动作进程。
type ActionConfig struct {
	Browser BrowserConfig `yaml:"browser"`
}

// BrowserConfig 描述无头浏览器。
type BrowserConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Headless       bool   `yaml:"headless"`
	Bin            string `yaml:"bin"`
	ControlURL     string `yaml:"control_url"`
	ScreenshotDir  string `yaml:"screenshot_dir"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// SupervisorConfig 描述子进程管理。
type SupervisorConfig struct {
	GraceSeconds int `yaml:"grace_seconds"`
	QueueSize    int `yaml:"queue_size"`
}

// Default 返回内置默认配置，配置文件中的值会覆盖它。
func Default() *Config {
	return &Config{
		AIName: "AI",
		Log:    LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{APIAddr: ":5000", GatewayAddr: ":5173"},
		Brain: BrainConfig{
			Engine:             "api",
			Temperature:        0.7,
			TopP:               0.9,
			MaxTokens:          4096,
			SystemPromptPath:   "assets/prompts/system.txt",
			MaxHistoryMessages: 20,
			HistoryCap:         40,
			TurnTimeoutSeconds: 300,
			Ark: ArkConfig{
				BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
				Region:  "cn-beijing",
			},
			Local: LocalConfig{Command: "llama-server", Port: 8081, StartupTimeoutSeconds: 120},
		},
		Network:  NetworkConfig{RequestTimeoutSeconds: 120, ConnectTimeoutSeconds: 10, RetryCount: 3},
		Session:  SessionConfig{Dir: "data/sessions"},
		Memory:   MemoryConfig{Enabled: false, Dir: "data/memory", Results: 5},
		Diary:    DiaryConfig{Enabled: true, OutputDir: "data/diary"},
		Behavior: BehaviorConfig{
			TriggerType:             "interval",
			IntervalMinutes:         30,
			IdleTimeoutMinutes:      10,
			QuietHoursStart:         "23:00",
			QuietHoursEnd:           "07:00",
			MaxDailyMessages:        50,
			MessageTemplatesEnabled: true,
		},
		Perception: PerceptionConfig{TTS: TTSConfig{
			Enabled:        true,
			Provider:       "http",
			APIURL:         "http://127.0.0.1:9880",
			OutputDir:      "data/tts_output",
			TimeoutSeconds: 60,
			Speed:          1.0,
			Volume:         1.0,
			Language:       "zh",
			EmotionRefsDir: "assets/emotion_refs",
		}},
		Action:     ActionConfig{Browser: BrowserConfig{Enabled: true, Headless: true, ScreenshotDir: "data/screenshots", TimeoutSeconds: 30}},
		Supervisor: SupervisorConfig{GraceSeconds: 3, QueueSize: 256},
	}
}

// Load 读取 YAML 配置文件并合并默认值与环境变量。文件不存在时使用默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	cfg.Path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Path = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	switch c.Brain.Engine {
	case "api", "ark", "local":
	default:
		return fmt.Errorf("invalid brain.engine %q: want api, ark or local", c.Brain.Engine)
	}
	switch c.Behavior.TriggerType {
	case "interval", "cron", "idle":
	default:
		return fmt.Errorf("invalid behavior.trigger_type %q", c.Behavior.TriggerType)
	}
	if c.Brain.HistoryCap < 2 {
		return fmt.Errorf("brain.history_cap must be at least 2, got %d", c.Brain.HistoryCap)
	}
	if c.Brain.MaxHistoryMessages < 0 {
		return fmt.Errorf("brain.max_history_messages must not be negative")
	}
	if c.Network.RetryCount < 0 {
		return fmt.Errorf("network.retry_count must not be negative")
	}
	if strings.Contains(strings.TrimSpace(c.Server.APIAddr), " ") {
		return fmt.Errorf("invalid server.api_addr %q", c.Server.APIAddr)
	}
	return nil
}

// TurnTimeout 为单轮推理的等待上限。
func (c BrainConfig) TurnTimeout() time.Duration {
	if c.TurnTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// GracePeriod 为子进程自行退出的等待时间。
func (c SupervisorConfig) GracePeriod() time.Duration {
	if c.GraceSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.GraceSeconds) * time.Second
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个方舟模型实例。
func (c ArkConfig) NewChatModel(ctx context.Context, brain BrainConfig) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + model 或 AK/SK 组合")
	}

	var temperature, topP *float32
	if brain.Temperature > 0 {
		val := float32(brain.Temperature)
		temperature = &val
	}
	if brain.TopP > 0 {
		val := float32(brain.TopP)
		topP = &val
	}
	var maxTokens *int
	if brain.MaxTokens > 0 {
		val := brain.MaxTokens
		maxTokens = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

// applyEnv 用环境变量覆盖密钥类配置。
func (c *Config) applyEnv() error {
	c.Brain.APIKey = getEnvOrDefault("YUEXIA_API_KEY", c.Brain.APIKey)
	c.Brain.APIURL = getEnvOrDefault("YUEXIA_API_URL", c.Brain.APIURL)
	c.Brain.APIModel = getEnvOrDefault("YUEXIA_API_MODEL", c.Brain.APIModel)
	c.Brain.Engine = getEnvOrDefault("YUEXIA_ENGINE", c.Brain.Engine)
	c.Log.Level = getEnvOrDefault("YUEXIA_LOG_LEVEL", c.Log.Level)

	temperature, err := parseOptionalFloatEnv("YUEXIA_TEMPERATURE")
	if err != nil {
		return err
	}
	if temperature != nil {
		c.Brain.Temperature = *temperature
	}
	maxTokens, err := parseOptionalIntEnv("YUEXIA_MAX_TOKENS")
	if err != nil {
		return err
	}
	if maxTokens != nil {
		c.Brain.MaxTokens = *maxTokens
	}
	memoryEnabled, err := parseBoolEnv("YUEXIA_MEMORY_ENABLED", c.Memory.Enabled)
	if err != nil {
		return err
	}
	c.Memory.Enabled = memoryEnabled

	c.Brain.Ark.APIKey = getEnvOrDefault("ARK_API_KEY", c.Brain.Ark.APIKey)
	c.Brain.Ark.AccessKey = getEnvOrDefault("ARK_ACCESS_KEY", c.Brain.Ark.AccessKey)
	c.Brain.Ark.SecretKey = getEnvOrDefault("ARK_SECRET_KEY", c.Brain.Ark.SecretKey)
	c.Brain.Ark.Model = getEnvOrDefault("ARK_MODEL", c.Brain.Ark.Model)
	c.Brain.Ark.BaseURL = getEnvOrDefault("ARK_BASE_URL", c.Brain.Ark.BaseURL)
	c.Brain.Ark.Region = getEnvOrDefault("ARK_REGION", c.Brain.Ark.Region)

	c.Perception.TTS.AppID = getEnvOrDefault("SPEECH_APP_ID", c.Perception.TTS.AppID)
	c.Perception.TTS.AccessToken = getEnvOrDefault("SPEECH_ACCESS_TOKEN", c.Perception.TTS.AccessToken)
	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return err
	}
	if speed != nil {
		c.Perception.TTS.Speed = *speed
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		addr, err := parsePort(port)
		if err != nil {
			return err
		}
		c.Server.APIAddr = addr
	}
	return nil
}

// parsePort 解析 PORT 环境变量。
func parsePort(port string) (string, error) {
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	return ":" + port, nil
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

func parseOptionalFloatEnv(key string) (*float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
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
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
