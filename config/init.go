package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Конечная структура конфигурации сервиса.
// Ключи совпадают с переменными окружения: vpn.interface -> VPN_INTERFACE.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 8080
	} `mapstructure:"server"`

	API struct {
		SharedSecret string `mapstructure:"shared_secret"` // Bearer для /api/v1
	} `mapstructure:"api"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // путь/префикс файла, пусто — только stdout
	} `mapstructure:"logs"`

	Database struct {
		Driver string `mapstructure:"driver"` // "sqlite" | "postgres" | "mysql"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	VPN struct {
		Interface      string        `mapstructure:"interface"` // awg1
		Subnet         string        `mapstructure:"subnet"`    // 10.9.0.0/24
		Host           string        `mapstructure:"host"`      // публичный адрес сервера
		Port           int           `mapstructure:"port"`      // 51821
		DNS            string        `mapstructure:"dns"`       // "8.8.8.8, 1.1.1.1"
		Backend        string        `mapstructure:"backend"`   // awg|wgctrl|memory
		Binary         string        `mapstructure:"binary"`    // путь к awg
		CommandTimeout time.Duration `mapstructure:"command_timeout"`
		Description    string        `mapstructure:"description"` // подпись в vpn:// ссылке
	} `mapstructure:"vpn"`

	Amnezia struct {
		Jc   int    `mapstructure:"jc"`
		Jmin int    `mapstructure:"jmin"`
		Jmax int    `mapstructure:"jmax"`
		S1   int    `mapstructure:"s1"`
		S2   int    `mapstructure:"s2"`
		H1   uint32 `mapstructure:"h1"`
		H2   uint32 `mapstructure:"h2"`
		H3   uint32 `mapstructure:"h3"`
		H4   uint32 `mapstructure:"h4"`
	} `mapstructure:"amnezia"`

	Accounts struct {
		DeviceQuota int `mapstructure:"device_quota"`
	} `mapstructure:"accounts"`

	Referral struct {
		Threshold  int `mapstructure:"threshold"`
		RewardDays int `mapstructure:"reward_days"`
	} `mapstructure:"referral"`

	// Цены в рублях; в транзакции пишутся в копейках.
	Price struct {
		OneMonth     int `mapstructure:"1_month"`
		ThreeMonths  int `mapstructure:"3_months"`
		TwelveMonths int `mapstructure:"12_months"`
	} `mapstructure:"price"`

	Reconcile struct {
		Interval   time.Duration `mapstructure:"interval"`
		StuckAfter int           `mapstructure:"stuck_after"`
	} `mapstructure:"reconcile"`

	Telegram struct {
		BotToken string `mapstructure:"bot_token"` // пусто — уведомления только в лог
		APIURL   string `mapstructure:"api_url"`
	} `mapstructure:"telegram"`
}

// DNSServers разбирает VPN_DNS как список через запятую.
func (c *Config) DNSServers() []string {
	var out []string
	for _, s := range strings.Split(c.VPN.DNS, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load читает конфиг из env/файла с дефолтами.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, fmt.Errorf("config env binding: %w", err)
	}

	// Источник файла
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "warden"))
		}
		v.AddConfigPath("/etc/warden")
	}

	// Чтение файла (опционально)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacyEnv принимает и прежние имена REF_REWARD_* из существующих .env.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("referral.threshold", "REFERRAL_THRESHOLD", "REF_REWARD_THRESHOLD"); err != nil {
		return err
	}
	return v.BindEnv("referral.reward_days", "REFERRAL_REWARD_DAYS", "REF_REWARD_DAYS")
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("api.shared_secret", "")

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "text")
	v.SetDefault("logs.file", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "warden.db?_pragma=busy_timeout(5000)")

	v.SetDefault("vpn.interface", "awg1")
	v.SetDefault("vpn.subnet", "10.9.0.0/24")
	v.SetDefault("vpn.host", "")
	v.SetDefault("vpn.port", 51821)
	v.SetDefault("vpn.dns", "8.8.8.8")
	v.SetDefault("vpn.backend", "awg")
	v.SetDefault("vpn.binary", "awg")
	v.SetDefault("vpn.command_timeout", "10s")
	v.SetDefault("vpn.description", "VPN")

	// Нули в S1/S2 и H1..H4 = 1..4 дают поведение обычного WireGuard.
	v.SetDefault("amnezia.jc", 4)
	v.SetDefault("amnezia.jmin", 40)
	v.SetDefault("amnezia.jmax", 70)
	v.SetDefault("amnezia.s1", 0)
	v.SetDefault("amnezia.s2", 0)
	v.SetDefault("amnezia.h1", 1)
	v.SetDefault("amnezia.h2", 2)
	v.SetDefault("amnezia.h3", 3)
	v.SetDefault("amnezia.h4", 4)

	v.SetDefault("accounts.device_quota", 2)
	v.SetDefault("referral.threshold", 3)
	v.SetDefault("referral.reward_days", 30)

	v.SetDefault("price.1_month", 199)
	v.SetDefault("price.3_months", 499)
	v.SetDefault("price.12_months", 1490)

	v.SetDefault("reconcile.interval", "1h")
	v.SetDefault("reconcile.stuck_after", 3)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if strings.TrimSpace(c.VPN.Host) == "" {
		return errors.New("vpn.host must be set")
	}
	if strings.TrimSpace(c.VPN.Interface) == "" {
		return errors.New("vpn.interface must not be empty")
	}
	p, err := netip.ParsePrefix(c.VPN.Subnet)
	if err != nil {
		return fmt.Errorf("vpn.subnet: %w", err)
	}
	if !p.Addr().Is4() {
		return errors.New("vpn.subnet must be an IPv4 prefix")
	}
	if c.VPN.Port <= 0 || c.VPN.Port > 65535 {
		return fmt.Errorf("vpn.port out of range: %d", c.VPN.Port)
	}
	switch c.VPN.Backend {
	case "awg", "wgctrl", "memory":
	default:
		return fmt.Errorf("vpn.backend: unsupported %q", c.VPN.Backend)
	}
	if c.VPN.CommandTimeout <= 0 {
		return errors.New("vpn.command_timeout must be positive")
	}
	if c.Amnezia.Jmin > c.Amnezia.Jmax {
		return fmt.Errorf("amnezia.jmin (%d) > amnezia.jmax (%d)", c.Amnezia.Jmin, c.Amnezia.Jmax)
	}
	if c.Accounts.DeviceQuota < 1 {
		return errors.New("accounts.device_quota must be >= 1")
	}
	if c.Reconcile.Interval <= 0 {
		return errors.New("reconcile.interval must be positive")
	}
	return nil
}
