package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了治理核心在启动阶段需要加载的全部配置。
// 所有决策阈值都在这里定格为类型化字段，运行期不再修改。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Governance GovernanceConfig `yaml:"governance"`
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
	Settlement SettlementConfig `yaml:"settlement"`
	Signing    SigningConfig    `yaml:"signing"`
	Audit      AuditConfig      `yaml:"audit"`
	Operators  OperatorsConfig  `yaml:"operators"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// StorageConfig 描述账本与推理轨迹的持久化后端。
type StorageConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// BudgetRule 定义某个类别在某个周期内的预算上限。
// Limit 使用十进制字符串，解析阶段转换为精确小数。
type BudgetRule struct {
	Category string `yaml:"category"`
	Period   string `yaml:"period"`
	Limit    string `yaml:"limit"`
}

// GovernanceConfig 汇总审批引擎的决策阈值。
type GovernanceConfig struct {
	MinROIHurdle  float64      `yaml:"min_roi_hurdle"`
	RiskCeiling   float64      `yaml:"risk_ceiling"`
	CommitRetries int          `yaml:"commit_retries"`
	Currency      string       `yaml:"currency"`
	Budgets       []BudgetRule `yaml:"budgets"`
}

// KillSwitchConfig 描述触发全局停机的信号阈值。
type KillSwitchConfig struct {
	MinConfidence      float64 `yaml:"min_confidence"`
	MaxVolatility      float64 `yaml:"max_volatility"`
	SpendRateWindowSec int     `yaml:"spend_rate_window_seconds"`
	SpendRateMultiple  float64 `yaml:"spend_rate_multiple"`
}

// PeerConfig 登记一个外部对等方及其公钥。
type PeerConfig struct {
	ID        string `yaml:"id"`
	PublicKey string `yaml:"public_key"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SettlementConfig 描述跨组织结算协议的参数。
type SettlementConfig struct {
	EscrowDriver        string       `yaml:"escrow_driver"`
	Redis               RedisConfig  `yaml:"redis"`
	EscrowTTLSeconds    int          `yaml:"escrow_ttl_seconds"`
	ExecTimeoutSeconds  int          `yaml:"exec_timeout_seconds"`
	ReplayWindowSeconds int          `yaml:"replay_window_seconds"`
	Peers               []PeerConfig `yaml:"peers"`
}

// SigningConfig 指定决策签名所用的私钥来源。
// 私钥通过构造函数显式注入，任何组件都不得从环境变量兜底读取。
type SigningConfig struct {
	KeyFile string `yaml:"key_file"`
	KeyHex  string `yaml:"key_hex"`
}

// AuditConfig 描述对外审计事件流的投递方式。
type AuditConfig struct {
	Driver  string `yaml:"driver"`
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// OperatorsConfig 描述可以执行 Resume 操作的运维人员。
type OperatorsConfig struct {
	TokenSecret     string   `yaml:"token_secret"`
	TokenTTLSeconds int      `yaml:"token_ttl_seconds"`
	IDs             []string `yaml:"ids"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level        string   `yaml:"level"`
	Format       string   `yaml:"format"`
	OutputPaths  []string `yaml:"output_paths"`
	AuditEnabled bool     `yaml:"audit_enabled"`
	AuditPath    string   `yaml:"audit_path"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Governance.MinROIHurdle <= 0 {
		c.Governance.MinROIHurdle = 1.5
	}
	if c.Governance.RiskCeiling <= 0 {
		c.Governance.RiskCeiling = 0.8
	}
	if c.Governance.CommitRetries <= 0 {
		c.Governance.CommitRetries = 3
	}
	if c.Governance.Currency == "" {
		c.Governance.Currency = "USD"
	}
	if c.KillSwitch.MinConfidence <= 0 {
		c.KillSwitch.MinConfidence = 0.5
	}
	if c.KillSwitch.MaxVolatility <= 0 {
		c.KillSwitch.MaxVolatility = 0.5
	}
	if c.KillSwitch.SpendRateWindowSec <= 0 {
		c.KillSwitch.SpendRateWindowSec = 300
	}
	if c.KillSwitch.SpendRateMultiple <= 0 {
		c.KillSwitch.SpendRateMultiple = 5
	}
	if c.Settlement.EscrowDriver == "" {
		c.Settlement.EscrowDriver = "memory"
	}
	if c.Settlement.EscrowTTLSeconds <= 0 {
		c.Settlement.EscrowTTLSeconds = 60
	}
	if c.Settlement.ExecTimeoutSeconds <= 0 {
		c.Settlement.ExecTimeoutSeconds = 30
	}
	if c.Settlement.ReplayWindowSeconds <= 0 {
		c.Settlement.ReplayWindowSeconds = 30
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "memory"
	}
	if c.Audit.Queue == "" {
		c.Audit.Queue = "treasury.audit"
	}
	if c.Operators.TokenTTLSeconds <= 0 {
		c.Operators.TokenTTLSeconds = 900
	}
	if c.Signing.KeyFile != "" && !filepath.IsAbs(c.Signing.KeyFile) {
		c.Signing.KeyFile = filepath.Join(baseDir, c.Signing.KeyFile)
	}
}

// Validate 检查配置的内部一致性。
func (c *Config) Validate() error {
	if c.Governance.RiskCeiling > 1 {
		return fmt.Errorf("risk_ceiling 必须位于 (0,1]，当前为 %v", c.Governance.RiskCeiling)
	}
	for i, rule := range c.Governance.Budgets {
		if strings.TrimSpace(rule.Category) == "" {
			return fmt.Errorf("budgets[%d] 缺少 category", i)
		}
		switch rule.Period {
		case "daily", "weekly", "monthly":
		default:
			return fmt.Errorf("budgets[%d] 的 period %q 不合法", i, rule.Period)
		}
		if strings.TrimSpace(rule.Limit) == "" {
			return fmt.Errorf("budgets[%d] 缺少 limit", i)
		}
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("storage.driver=mysql 时必须配置 dsn")
	}
	if c.Audit.Driver == "rabbitmq" && strings.TrimSpace(c.Audit.URL) == "" {
		return errors.New("audit.driver=rabbitmq 时必须配置 url")
	}
	if c.Settlement.EscrowDriver == "redis" && strings.TrimSpace(c.Settlement.Redis.Address) == "" {
		return errors.New("settlement.escrow_driver=redis 时必须配置 redis.address")
	}
	for i, peer := range c.Settlement.Peers {
		if strings.TrimSpace(peer.ID) == "" || strings.TrimSpace(peer.PublicKey) == "" {
			return fmt.Errorf("settlement.peers[%d] 需要同时提供 id 与 public_key", i)
		}
	}
	return nil
}

// EscrowTTL 返回托管锁定的有效期。
func (c *SettlementConfig) EscrowTTL() time.Duration {
	return time.Duration(c.EscrowTTLSeconds) * time.Second
}

// ExecTimeout 返回能力执行的硬超时。
func (c *SettlementConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSeconds) * time.Second
}

// ReplayWindow 返回签名请求允许的最大时间偏移。
func (c *SettlementConfig) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSeconds) * time.Second
}
