package config

import (
	"strings"
	"time"
)

// Option 加载器选项
type Option func(*Loader)

// WithConfigFile 指定配置文件完整路径，文件不存在时 Load 报错
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.configFile = path
	}
}

// WithConfigName 设置配置文件名（不含扩展名），搜索不到时只用默认值与环境变量
func WithConfigName(name string) Option {
	return func(l *Loader) {
		l.configName = name
	}
}

// WithConfigType 设置配置文件类型（如 yaml, json, toml）
func WithConfigType(typ string) Option {
	return func(l *Loader) {
		l.configType = typ
	}
}

// WithConfigPaths 设置配置文件搜索路径
func WithConfigPaths(paths ...string) Option {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix 设置环境变量前缀（默认 CHANLAYER）
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithEnvKeyReplacer 设置环境变量键名替换器（默认把 . 换成 _）
func WithEnvKeyReplacer(r *strings.Replacer) Option {
	return func(l *Loader) {
		l.envKeyReplacer = r
	}
}

// WithOnChange 设置配置热更新回调，仅在新配置通过校验后触发
func WithOnChange(fn func(*Settings)) Option {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// WithOnError 设置错误回调，热更新解码或校验失败时触发
func WithOnError(fn func(error)) Option {
	return func(l *Loader) {
		l.onError = fn
	}
}

// WithDebounce 设置文件变更去抖时长
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		l.debounce = d
	}
}
