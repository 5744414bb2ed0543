// util_test.go — ClampInt / Env* / ApplyDefaults / LoadFromEnv 表驱动测试。
package util

import "testing"

func TestClampInt(t *testing.T) {
	tests := []struct {
		name      string
		v, lo, hi int
		want      int
	}{
		{"below_min", -1, 0, 10, 0},
		{"above_max", 20, 0, 10, 10},
		{"in_range", 5, 0, 10, 5},
		{"at_min", 0, 0, 10, 0},
		{"at_max", 10, 0, 10, 10},
		{"negative_range", -5, -10, -1, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampInt(tt.v, tt.lo, tt.hi)
			if got != tt.want {
				t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("UTIL_TEST_INT", "3")
	if got := EnvInt("UTIL_TEST_INT", 10, 5); got != 5 {
		t.Errorf("EnvInt below min = %d, want 5", got)
	}
	t.Setenv("UTIL_TEST_INT", "abc")
	if got := EnvInt("UTIL_TEST_INT", 10, 0); got != 10 {
		t.Errorf("EnvInt invalid = %d, want 10", got)
	}
}

func TestEnvBool(t *testing.T) {
	tests := []struct {
		raw  string
		def  bool
		want bool
	}{
		{"yes", false, true},
		{"OFF", true, false},
		{"", true, true},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		t.Setenv("UTIL_TEST_BOOL", tt.raw)
		if got := EnvBool("UTIL_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("EnvBool(%q, %v) = %v, want %v", tt.raw, tt.def, got, tt.want)
		}
	}
}

type sample struct {
	Name    string  `env:"UTIL_S_NAME" default:"alpha"`
	Count   int     `env:"UTIL_S_COUNT" default:"4" min:"2"`
	Delay   int64   `env:"UTIL_S_DELAY" default:"1500"`
	Ratio   float64 `env:"UTIL_S_RATIO" default:"0.5" min:"0"`
	Enabled bool    `env:"UTIL_S_ENABLED" default:"true"`
	NoTag   string
}

func TestApplyDefaultsThenEnv(t *testing.T) {
	var s sample
	ApplyDefaults(&s)
	if s.Name != "alpha" || s.Count != 4 || s.Delay != 1500 || s.Ratio != 0.5 || !s.Enabled {
		t.Fatalf("defaults not applied: %+v", s)
	}

	// 模拟配置文件覆盖
	s.Name = "from-file"
	s.Count = 1

	t.Setenv("UTIL_S_DELAY", "250")
	t.Setenv("UTIL_S_ENABLED", "false")
	LoadFromEnv(&s)

	if s.Name != "from-file" {
		t.Errorf("Name = %q, want file value kept", s.Name)
	}
	if s.Count != 2 {
		t.Errorf("Count = %d, want clamped to min 2", s.Count)
	}
	if s.Delay != 250 {
		t.Errorf("Delay = %d, want 250", s.Delay)
	}
	if s.Enabled {
		t.Errorf("Enabled = true, want false from env")
	}
}

func TestLoadFromEnvRejectsNonPointer(t *testing.T) {
	var s sample
	LoadFromEnv(s)
	LoadFromEnv(nil)
	if s.Name != "" {
		t.Fatalf("non-pointer must not be modified")
	}
}
