package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix of environment variables read by the loader,
	// e.g. FULFILMENT_SAGA_MAX_CONCURRENT.
	EnvPrefix = "FULFILMENT_"
	// Delimiter separates nested config keys.
	Delimiter = "."
)

// searchPaths are tried in order when no config file is given.
var searchPaths = []string{
	"config.yaml",
	"config.yml",
	"config.json",
	"config/config.yaml",
	"/etc/fulfilment/config.yaml",
}

// Loader merges defaults, a config file, FULFILMENT_* variables and explicit
// overrides, in increasing priority.
type Loader struct {
	k *koanf.Koanf

	path      string
	overrides map[string]interface{}
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load reads every source and returns the validated configuration. The
// sources are remembered so Reload can read them again.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	l.path = configPath
	l.overrides = overrides

	if err := l.k.Load(confmap.Provider(flatten(DefaultConfig()), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := configPath
	if path == "" {
		path = firstExisting(searchPaths)
	}
	if path != "" {
		if err := l.loadFile(path); err != nil {
			if configPath != "" {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	if err := l.k.Load(env.Provider(EnvPrefix, Delimiter, func(name string) string {
		return envKey(strings.TrimPrefix(name, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reload reads the same sources into a fresh loader, so keys removed from the
// file do not linger and command line overrides keep their priority.
func (l *Loader) Reload() (*Loader, *Config, error) {
	next := NewLoader()
	cfg, err := next.Load(l.path, l.overrides)
	if err != nil {
		return nil, nil, err
	}
	return next, cfg, nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format %q", ext)
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	return l.k.Load(file.Provider(path), parser)
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// envKeys maps the underscore form of every known key to its dotted form:
// "saga_policies_create_order_max_attempts" to
// "saga.policies.create_order.max_attempts".
var envKeys = sync.OnceValue(func() map[string]string {
	flat := flatten(DefaultConfig())
	out := make(map[string]string, len(flat))
	for key := range flat {
		out[strings.ReplaceAll(key, Delimiter, "_")] = key
	}
	return out
})

// envKey turns a variable name without its prefix into a config key. Names
// that match no known key split on every underscore.
func envKey(name string) string {
	lower := strings.ToLower(name)
	if key, ok := envKeys()[lower]; ok {
		return key
	}
	return strings.ReplaceAll(lower, "_", Delimiter)
}

// flatten turns a config struct into dotted mapstructure keys. Durations and
// other non-struct values are kept as leaves.
func flatten(v interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, reflect.Indirect(reflect.ValueOf(v)), "")
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

func flattenInto(out map[string]interface{}, val reflect.Value, prefix string) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := val.Field(i)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		if fv.Kind() == reflect.Struct && fv.Type() != durationType {
			flattenInto(out, fv, key)
			continue
		}
		out[key] = fv.Interface()
	}
}

// Get returns the raw value at key.
func (l *Loader) Get(key string) interface{} { return l.k.Get(key) }

func (l *Loader) GetString(key string) string { return l.k.String(key) }
func (l *Loader) GetInt(key string) int       { return l.k.Int(key) }
func (l *Loader) GetBool(key string) bool     { return l.k.Bool(key) }

// Set overrides a single key in the loaded tree.
func (l *Loader) Set(key string, value interface{}) error {
	return l.k.Set(key, value)
}

// Print renders the merged key tree, one key per line.
func (l *Loader) Print() string {
	return l.k.Sprint()
}

// Load reads configuration with a fresh Loader.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

// LoadOrDie is Load for tools and tests that cannot continue without config.
func LoadOrDie(configPath string, overrides map[string]interface{}) *Config {
	cfg, err := Load(configPath, overrides)
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}
