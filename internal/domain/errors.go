package domain

import (
	"errors"
	"fmt"
)

// ConfigError 启动阶段的配置错误（缺失/损坏的制品、维度不匹配），进程必须拒绝服务
type ConfigError struct {
	Component string // schema / scaler / manifest / estimator / encoder
	Path      string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config error in %s (%s): %v", e.Component, e.Path, e.Err)
	}
	return fmt.Sprintf("config error in %s: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError 创建配置错误
func NewConfigError(component, path string, err error) error {
	return &ConfigError{Component: component, Path: path, Err: err}
}

// IsConfigError 判断是否为配置错误
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
