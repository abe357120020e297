package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"L402-Agent/pkg/logger"
)

// 环境变量名称。
const (
	EnvConfigPath         = "L402_CONFIG"
	EnvCertPath           = "CERT_PATH"
	EnvMacaroonPath       = "MACAROON_PATH"
	EnvNodeHost           = "LND_NODE_HOST"
	EnvNodePort           = "LND_NODE_PORT"
	EnvTargetHost         = "TARGET_HOST"
	EnvAPIToolName        = "API_TOOL_NAME"
	EnvAPIToolDescription = "API_TOOL_DESCRIPTION"
	EnvOpenAIKey          = "OPENAI_API_KEY"
	EnvAllowedHosts       = "ALLOWED_HOSTS"
	EnvMaxIterations      = "AGENT_MAX_ITERATIONS"
)

// 默认值。
const (
	DefaultMaxIterations  = 5
	DefaultLLMTimeout     = 60
	DefaultPaymentTimeout = 60
	DefaultHTTPTimeout    = 30
	DefaultNodePort       = 10009
	DefaultToolName       = "quote_api"
	DefaultToolDesc       = "Fetches a famous quote by number from the paid quote API. Input is the user's request in plain English."
)

// EnvFiles 是按顺序加载的 dotenv 文件，后加载的覆盖先加载的。
var EnvFiles = []string{".env.shared", ".env.secret"}

// Config 描述了 l402d 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig      `json:"server"`
	Node      NodeConfig        `json:"node"`
	LLM       LLMConfig         `json:"llm"`
	PaidAPI   PaidAPIConfig     `json:"paid_api"`
	Agent     AgentConfig       `json:"agent"`
	Router    RouterConfig      `json:"router"`
	Knowledge KnowledgeConfig   `json:"knowledge"`
	Storage   StorageConfig     `json:"storage"`
	TaskQueue TaskQueueConfig   `json:"task_queue"`
	Metrics   MetricsConfig     `json:"metrics"`
	Logging   logger.Config     `json:"logging"`
	Alerting  AlertingConfig    `json:"alerting"`
	Runtime   RuntimeConfig     `json:"runtime"`
	extra     map[string]string `json:"-"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// NodeConfig 描述 LND 节点的 gRPC 连接参数。
type NodeConfig struct {
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	CertPath              string `json:"cert_path"`
	MacaroonPath          string `json:"macaroon_path"`
	PaymentTimeoutSeconds int    `json:"payment_timeout_seconds"`
	MaxPaymentSat         int64  `json:"max_payment_sat"`
	FeeLimitSat           int64  `json:"fee_limit_sat"`
}

// Address 返回 host:port 形式的地址。
func (n NodeConfig) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// PaymentTimeout 返回单次支付的最长等待时间。
func (n NodeConfig) PaymentTimeout() time.Duration {
	return time.Duration(n.PaymentTimeoutSeconds) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 接入参数。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Timeout 返回单次调用的超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// PaidAPIConfig 描述受 L402 保护的目标 API。
type PaidAPIConfig struct {
	TargetHost         string   `json:"target_host"`
	ToolName           string   `json:"tool_name"`
	ToolDescription    string   `json:"tool_description"`
	DocsFile           string   `json:"docs_file"`
	AllowedHosts       []string `json:"allowed_hosts"`
	HTTPTimeoutSeconds int      `json:"http_timeout_seconds"`
}

// HTTPTimeout 返回单次 HTTP 请求的超时时间。
func (p PaidAPIConfig) HTTPTimeout() time.Duration {
	return time.Duration(p.HTTPTimeoutSeconds) * time.Second
}

// AgentConfig 控制智能体执行循环。
type AgentConfig struct {
	MaxIterations int `json:"max_iterations"`
}

// RouterConfig 控制入口模式："router" 先分类再分派，"agent" 直接交给单个智能体。
type RouterConfig struct {
	Mode string `json:"mode"`
}

// KnowledgeConfig 指向静态知识库文件。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// StorageConfig 统一描述任务存储与支付账本的后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
	Ledger    TaskStoreConfig `json:"payment_ledger"`
}

// TaskStoreConfig 描述一个可切换 memory/mysql 的存储后端。
type TaskStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	Retries                int    `json:"retries"`
}

// TaskQueueConfig 描述异步任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"workers"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Path    string `json:"path"`
}

// AlertingConfig 控制告警通道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 解析 JSON 配置文件，再叠加 dotenv 文件和进程环境变量。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
		// 文件中的相对路径以配置文件所在目录为基准，环境变量中的路径保持原样。
		cfg.Node.CertPath = resolve(baseDir, cfg.Node.CertPath)
		cfg.Node.MacaroonPath = resolve(baseDir, cfg.Node.MacaroonPath)
	}

	env, err := loadEnv(baseDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return content, nil
}

// loadEnv 读取 dotenv 文件（不修改进程环境），进程环境变量覆盖文件中的值。
func loadEnv(baseDir string) (map[string]string, error) {
	values := make(map[string]string)
	for i := range EnvFiles {
		candidate := filepath.Join(baseDir, EnvFiles[i])
		if _, err := os.Stat(candidate); err != nil {
			candidate = EnvFiles[i]
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
		}
		parsed, err := godotenv.Read(candidate)
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", candidate, err)
		}
		for k, v := range parsed {
			values[k] = v
		}
	}
	for _, key := range []string{
		EnvCertPath, EnvMacaroonPath, EnvNodeHost, EnvNodePort, EnvTargetHost,
		EnvAPIToolName, EnvAPIToolDescription, EnvOpenAIKey, EnvAllowedHosts, EnvMaxIterations,
	} {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}
	return values, nil
}

func (c *Config) applyEnv(env map[string]string) error {
	c.extra = env
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(env[key]); v != "" {
			*dst = v
		}
	}
	set(EnvCertPath, &c.Node.CertPath)
	set(EnvMacaroonPath, &c.Node.MacaroonPath)
	set(EnvNodeHost, &c.Node.Host)
	set(EnvTargetHost, &c.PaidAPI.TargetHost)
	set(EnvAPIToolName, &c.PaidAPI.ToolName)
	set(EnvAPIToolDescription, &c.PaidAPI.ToolDescription)
	set(EnvOpenAIKey, &c.LLM.OpenAI.APIKey)

	if v := strings.TrimSpace(env[EnvNodePort]); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s 不是合法端口: %w", EnvNodePort, err)
		}
		c.Node.Port = port
	}
	if v := strings.TrimSpace(env[EnvMaxIterations]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s 不是整数: %w", EnvMaxIterations, err)
		}
		c.Agent.MaxIterations = n
	}
	if v := strings.TrimSpace(env[EnvAllowedHosts]); v != "" {
		c.PaidAPI.AllowedHosts = splitList(v)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Node.Port == 0 {
		c.Node.Port = DefaultNodePort
	}
	if c.Node.PaymentTimeoutSeconds <= 0 {
		c.Node.PaymentTimeoutSeconds = DefaultPaymentTimeout
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = DefaultLLMTimeout
	}
	if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.APIKeyEnv != "" {
		if v, ok := c.extra[c.LLM.OpenAI.APIKeyEnv]; ok {
			c.LLM.OpenAI.APIKey = v
		} else {
			c.LLM.OpenAI.APIKey = os.Getenv(c.LLM.OpenAI.APIKeyEnv)
		}
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.PaidAPI.ToolName == "" {
		c.PaidAPI.ToolName = DefaultToolName
	}
	if c.PaidAPI.ToolDescription == "" {
		c.PaidAPI.ToolDescription = DefaultToolDesc
	}
	if c.PaidAPI.HTTPTimeoutSeconds <= 0 {
		c.PaidAPI.HTTPTimeoutSeconds = DefaultHTTPTimeout
	}
	c.PaidAPI.DocsFile = resolve(baseDir, c.PaidAPI.DocsFile)
	if len(c.PaidAPI.AllowedHosts) == 0 {
		hosts := []string{"localhost"}
		if h := HostOf(c.PaidAPI.TargetHost); h != "" {
			hosts = append([]string{h}, hosts...)
		}
		c.PaidAPI.AllowedHosts = hosts
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Router.Mode == "" {
		c.Router.Mode = "router"
	}
	c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source)
	c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
}

// Validate 检查配置间的约束。
func (c *Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations 必须大于 0，当前为 %d", c.Agent.MaxIterations)
	}
	switch c.Router.Mode {
	case "router", "agent":
	default:
		return fmt.Errorf("未知的入口模式: %s", c.Router.Mode)
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("节点端口不合法: %d", c.Node.Port)
	}
	if c.Node.MaxPaymentSat < 0 {
		return errors.New("node.max_payment_sat 不能为负数")
	}
	return nil
}

// HostOf 从 TARGET_HOST 中提取主机名，兼容带协议或端口的写法。
func HostOf(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
