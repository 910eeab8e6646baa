package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// DefaultEnvPrefix 环境变量前缀，如 CHANLAYER_BACKEND_TYPE=redis
const DefaultEnvPrefix = "CHANLAYER"

// Loader 基于 viper 的配置加载器
//
// 优先级：环境变量 > 配置文件 > DefaultSettings。
type Loader struct {
	viper *viper.Viper
	mu    sync.Mutex

	// 配置文件相关
	configFile  string
	configName  string
	configType  string
	configPaths []string

	// 环境变量
	envPrefix      string
	envKeyReplacer *strings.Replacer

	// 监控相关
	watching bool
	debounce time.Duration
	timer    *time.Timer
	onChange func(*Settings)
	onError  func(error)

	current atomic.Pointer[Settings]
}

// New 创建加载器
func New(opts ...Option) *Loader {
	l := &Loader{
		viper:          viper.New(),
		envPrefix:      DefaultEnvPrefix,
		envKeyReplacer: strings.NewReplacer(".", "_", "-", "_"),
		debounce:       100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load 读取配置、解码并校验
func (l *Loader) Load() (*Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, v := range defaultValues() {
		l.viper.SetDefault(k, v)
	}

	if l.envPrefix != "" {
		l.viper.SetEnvPrefix(l.envPrefix)
	}
	if l.envKeyReplacer != nil {
		l.viper.SetEnvKeyReplacer(l.envKeyReplacer)
	}
	l.viper.AutomaticEnv()

	if err := l.readInConfig(); err != nil {
		return nil, err
	}

	s, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current.Store(s)
	return s, nil
}

// readInConfig 读取配置文件；按名称搜索且未找到时不报错
func (l *Loader) readInConfig() error {
	switch {
	case l.configFile != "":
		l.viper.SetConfigFile(l.configFile)
	case l.configName != "":
		l.viper.SetConfigName(l.configName)
		if l.configType != "" {
			l.viper.SetConfigType(l.configType)
		}
		for _, path := range l.configPaths {
			l.viper.AddConfigPath(path)
		}
	default:
		return nil
	}

	err := l.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrConfigNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
}

// decode 调用方必须持有 mu
func (l *Loader) decode() (*Settings, error) {
	s := &Settings{}
	if err := l.viper.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current 最近一次成功加载的配置
func (l *Loader) Current() *Settings {
	return l.current.Load()
}

// ConfigFileUsed 实际使用的配置文件，未使用时为空
func (l *Loader) ConfigFileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.viper.ConfigFileUsed()
}

// Viper 获取底层 viper 实例（用于高级操作）
// 注意：直接操作 viper 实例不受 Loader 的锁保护
func (l *Loader) Viper() *viper.Viper {
	return l.viper
}
