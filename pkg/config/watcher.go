package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch 监控配置文件，变更经去抖后重新解码；只有通过校验的新配置才会替换 Current 并回调
//
// 需要先成功 Load 且使用了配置文件。
func (l *Loader) Watch() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watching {
		return nil
	}
	if l.viper.ConfigFileUsed() == "" {
		return fmt.Errorf("%w: no config file to watch", ErrConfigNotFound)
	}

	l.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.scheduleReload()
	})
	l.viper.WatchConfig()
	l.watching = true
	return nil
}

// StopWatch 停止回调
// viper 未提供停止底层 fsnotify watcher 的方法，此处只让后续事件失效
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watching = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// scheduleReload 编辑器保存文件常触发多次写事件，合并为一次重载
func (l *Loader) scheduleReload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.watching {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.debounce, l.reload)
}

func (l *Loader) reload() {
	l.mu.Lock()
	if !l.watching {
		l.mu.Unlock()
		return
	}
	s, err := l.decode()
	if err == nil {
		l.current.Store(s)
	}
	onChange, onError := l.onChange, l.onError
	l.mu.Unlock()

	// 释放锁后回调，避免回调中调用 Loader 导致死锁
	if err != nil {
		l.reportError(onError, err)
		return
	}
	if onChange != nil {
		onChange(s)
	}
}

// reportError 报告错误，优先使用 onError 回调，否则输出到 stderr
func (l *Loader) reportError(onError func(error), err error) {
	if onError != nil {
		onError(err)
		return
	}
	fmt.Fprintf(os.Stderr, "[config] reload failed: %v\n", err)
}
