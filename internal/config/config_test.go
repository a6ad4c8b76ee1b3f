package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

// TestConfig represents a test configuration structure.
type TestConfig struct {
	Config string `help:"Config file path"`

	StringField   string        `toml:"test.string_field" env:"STRING_FIELD"`
	BoolField     bool          `toml:"test.bool_field" env:"BOOL_FIELD"`
	IntField      int           `toml:"test.int_field" env:"INT_FIELD"`
	SliceField    []string      `toml:"test.slice_field" env:"SLICE_FIELD"`
	DurationField time.Duration `toml:"test.duration_field" env:"DURATION_FIELD"`
	FloatField    float64       `toml:"test.float_field" env:"FLOAT_FIELD"`

	NestedString string `toml:"nested.value" env:"NESTED_VALUE"`
}

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirage.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigFromTOML(t *testing.T) {
	path := writeTOML(t, `
[test]
string_field = "hello world"
bool_field = true
int_field = 42
slice_field = ["item1", "item2", "item3"]
duration_field = "250ms"
float_field = 0.5

[nested]
value = "nested value"
`)

	config := &TestConfig{Config: path}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.StringField != "hello world" {
		t.Errorf("StringField = %q", config.StringField)
	}
	if !config.BoolField {
		t.Errorf("BoolField = %v", config.BoolField)
	}
	if config.IntField != 42 {
		t.Errorf("IntField = %d", config.IntField)
	}
	if want := []string{"item1", "item2", "item3"}; !reflect.DeepEqual(config.SliceField, want) {
		t.Errorf("SliceField = %v, want %v", config.SliceField, want)
	}
	if config.DurationField != 250*time.Millisecond {
		t.Errorf("DurationField = %v", config.DurationField)
	}
	if config.FloatField != 0.5 {
		t.Errorf("FloatField = %v", config.FloatField)
	}
	if config.NestedString != "nested value" {
		t.Errorf("NestedString = %q", config.NestedString)
	}
}

func TestLoadConfigDurationMilliseconds(t *testing.T) {
	path := writeTOML(t, "[test]\nduration_field = 1500\n")
	config := &TestConfig{Config: path}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatal(err)
	}
	if config.DurationField != 1500*time.Millisecond {
		t.Errorf("DurationField = %v, want 1.5s", config.DurationField)
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	t.Setenv("MIRAGE_STRING_FIELD", "env string")
	t.Setenv("MIRAGE_BOOL_FIELD", "false")
	t.Setenv("MIRAGE_INT_FIELD", "123")
	t.Setenv("MIRAGE_SLICE_FIELD", "a, b,,c")
	t.Setenv("MIRAGE_DURATION_FIELD", "3s")
	t.Setenv("MIRAGE_NESTED_VALUE", "env nested")

	config := &TestConfig{BoolField: true}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.StringField != "env string" {
		t.Errorf("StringField = %q", config.StringField)
	}
	if config.BoolField {
		t.Errorf("BoolField = %v, want false", config.BoolField)
	}
	if config.IntField != 123 {
		t.Errorf("IntField = %d", config.IntField)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(config.SliceField, want) {
		t.Errorf("SliceField = %v, want %v", config.SliceField, want)
	}
	if config.DurationField != 3*time.Second {
		t.Errorf("DurationField = %v", config.DurationField)
	}
	if config.NestedString != "env nested" {
		t.Errorf("NestedString = %q", config.NestedString)
	}
}

func TestLoadConfigBadEnvValue(t *testing.T) {
	t.Setenv("MIRAGE_INT_FIELD", "lots")
	if err := LoadConfig(&TestConfig{}, nil); err == nil {
		t.Fatal("expected error for non-numeric int")
	}
}

func TestLoadConfigEnvOverridesToml(t *testing.T) {
	path := writeTOML(t, `
[test]
string_field = "toml value"
bool_field = true
int_field = 100
slice_field = ["toml1", "toml2"]
`)
	t.Setenv("MIRAGE_STRING_FIELD", "env override")
	t.Setenv("MIRAGE_BOOL_FIELD", "false")

	config := &TestConfig{Config: path}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.StringField != "env override" {
		t.Errorf("StringField = %q, want env override", config.StringField)
	}
	if config.BoolField {
		t.Errorf("BoolField = %v, want false (env override)", config.BoolField)
	}
	if config.IntField != 100 {
		t.Errorf("IntField = %d, want 100 (from TOML)", config.IntField)
	}
	if want := []string{"toml1", "toml2"}; !reflect.DeepEqual(config.SliceField, want) {
		t.Errorf("SliceField = %v, want %v", config.SliceField, want)
	}
}

func TestLoadConfigCLIWins(t *testing.T) {
	path := writeTOML(t, "[test]\nint_field = 100\nstring_field = \"toml\"\n")
	t.Setenv("MIRAGE_INT_FIELD", "200")

	config := &TestConfig{Config: path}
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().IntVar(&config.IntField, "int-field", 0, "")
	if err := cmd.Flags().Parse([]string{"--int-field", "300"}); err != nil {
		t.Fatal(err)
	}

	if err := LoadConfig(config, cmd); err != nil {
		t.Fatal(err)
	}
	if config.IntField != 300 {
		t.Errorf("IntField = %d, want 300 from the flag", config.IntField)
	}
	if config.StringField != "toml" {
		t.Errorf("StringField = %q, want toml", config.StringField)
	}
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"level1": map[string]any{
			"level2": map[string]any{
				"value": "nested_value",
			},
			"simple": "simple_value",
		},
		"root": "root_value",
	}

	tests := []struct {
		path     string
		expected any
	}{
		{"root", "root_value"},
		{"level1.simple", "simple_value"},
		{"level1.level2.value", "nested_value"},
		{"nonexistent", nil},
		{"level1.nonexistent", nil},
		{"root.deeper", nil},
	}

	for _, test := range tests {
		if result := getNestedValue(data, test.path); result != test.expected {
			t.Errorf("getNestedValue(%q) = %v, expected %v", test.path, result, test.expected)
		}
	}
}

func TestSetFieldValueTypeMismatch(t *testing.T) {
	type target struct {
		IntField int
	}
	s := &target{}
	if err := setFieldValue(reflect.ValueOf(s).Elem().FieldByName("IntField"), "forty"); err == nil {
		t.Error("expected error assigning a string to an int")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	config := &TestConfig{Config: filepath.Join(t.TempDir(), "absent.toml")}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig should not fail for missing file: %v", err)
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := writeTOML(t, "[test\ninvalid toml syntax\n")
	if err := LoadConfig(&TestConfig{Config: path}, nil); err == nil {
		t.Error("Expected LoadConfig to fail with invalid TOML")
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	path := writeTOML(t, `
[logging]
level = "warn"
format = "json"
transport = "debug"
preview = "error"
`)
	cfg := LoadLoggingConfig(path)
	if cfg.Level != "warn" || cfg.Format != "json" {
		t.Errorf("global = %s/%s", cfg.Level, cfg.Format)
	}
	if cfg.Modules["transport"] != "debug" || cfg.Modules["preview"] != "error" {
		t.Errorf("modules = %v", cfg.Modules)
	}

	if def := LoadLoggingConfig(""); def.Level != "info" || def.Format != "text" {
		t.Errorf("defaults = %+v", def)
	}
}

func TestFieldNameToFlag(t *testing.T) {
	tests := map[string]string{
		"Port":              "port",
		"LoggingLevel":      "logging-level",
		"ADBPath":           "adb-path",
		"DiscoveryMDNS":     "discovery-mdns",
		"PreviewICEServers": "preview-ice-servers",
		"BaseVideoPort":     "base-video-port",
	}
	for in, want := range tests {
		if got := fieldNameToFlag(in); got != want {
			t.Errorf("fieldNameToFlag(%q) = %q, want %q", in, got, want)
		}
	}
}
