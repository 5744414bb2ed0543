// Package util 提供通用工具函数。
//
//   - ClampInt: 范围限制
//   - EnvInt / EnvBool / EnvStr: 单个环境变量读取
//   - ApplyDefaults / LoadFromEnv: 基于 struct tag 的配置填充
package util

import (
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// ClampInt 将值限制在 [lo, hi] 范围内。
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EnvInt 读取整型环境变量，无效时返回 def，并确保不小于 min。
func EnvInt(name string, def, min int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	return v
}

// EnvBool 读取布尔环境变量，无效时返回 def。
// 接受: 1/true/yes/on → true, 0/false/no/off → false。
func EnvBool(name string, def bool) bool {
	return parseBool(os.Getenv(name), def)
}

// EnvStr 读取字符串环境变量，为空时返回 def。
func EnvStr(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

func parseBool(raw string, def bool) bool {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// structFields 校验 ptr 并遍历其导出字段。
func structFields(op string, ptr any, fn func(field reflect.StructField, fv reflect.Value)) {
	if ptr == nil {
		logger.Error(op + ": ptr must not be nil")
		return
	}
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		logger.Error(op + ": ptr must be a non-nil pointer to struct")
		return
	}
	v := rv.Elem()
	t := v.Type()
	for i := range t.NumField() {
		if !t.Field(i).IsExported() {
			continue
		}
		fn(t.Field(i), v.Field(i))
	}
}

// setFromString 按字段类型解析 raw 并写入。解析失败时保持原值。
func setFromString(fv reflect.Value, raw string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int64:
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Float64:
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			fv.SetFloat(f)
		}
	case reflect.Bool:
		fv.SetBool(parseBool(raw, fv.Bool()))
	}
}

// ApplyDefaults 将 default:"..." tag 写入对应字段。
// 在解析配置文件之前调用, 使文件与环境变量只需覆盖差异项。
func ApplyDefaults(ptr any) {
	structFields("util.ApplyDefaults", ptr, func(field reflect.StructField, fv reflect.Value) {
		if def, ok := field.Tag.Lookup("default"); ok {
			setFromString(fv, def)
		}
	})
}

// LoadFromEnv 通过反射从 struct tag 加载环境变量。
//
// 支持的 tag:
//   - env:"VAR_NAME"   — 环境变量名, 仅当变量非空时覆盖字段
//   - min:"N"          — 最小值 (int/int64/float64), 对最终值生效
//
// 支持的字段类型: string, int, int64, float64, bool。
func LoadFromEnv(ptr any) {
	structFields("util.LoadFromEnv", ptr, func(field reflect.StructField, fv reflect.Value) {
		if envName := field.Tag.Get("env"); envName != "" {
			if raw := os.Getenv(envName); raw != "" {
				setFromString(fv, raw)
			}
		}
		minStr, ok := field.Tag.Lookup("min")
		if !ok {
			return
		}
		switch fv.Kind() {
		case reflect.Int, reflect.Int64:
			if m, err := strconv.ParseInt(minStr, 10, 64); err == nil && fv.Int() < m {
				fv.SetInt(m)
			}
		case reflect.Float64:
			if m, err := strconv.ParseFloat(minStr, 64); err == nil && fv.Float() < m {
				fv.SetFloat(m)
			}
		}
	})
}
