package config

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
)

var defaultSearchPaths = []string{"config/gateway.yaml", "gateway.yaml", "../config/gateway.yaml"}

type loadOptions struct {
	file    string
	envFile string
	environ func() []string
}

type LoadOption func(*loadOptions)

// WithFile loads the YAML file at path. A missing file is an error.
func WithFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.file = path
	}
}

// WithEnvFile loads a dotenv file into the process environment first. A missing file is ignored.
func WithEnvFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.envFile = path
	}
}

// WithEnviron replaces os.Environ as the source of GATEWAY_ overrides.
func WithEnviron(environ func() []string) LoadOption {
	return func(o *loadOptions) {
		o.environ = environ
	}
}

// Load merges defaults, the YAML file and GATEWAY_ environment variables, in that order,
// and validates the result. Without WithFile the CONFIG_FILE variable and a few
// conventional paths are tried; running on environment alone is allowed.
func Load(options ...LoadOption) (*Config, error) {
	o := loadOptions{
		file:    GetEnv(configFileVar, ""),
		envFile: GetEnv(envFileVar, ".env"),
		environ: os.Environ,
	}
	for _, opt := range options {
		opt(&o)
	}

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load env file %s", o.envFile)
		}
	}

	ko := koanf.New(".")

	path := o.file
	if path == "" {
		path = findConfigFile(defaultSearchPaths)
	}
	if path != "" {
		if err := ko.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		log.Debug().Str("path", path).Msg("config file loaded")
	}

	existing := ko.Raw()
	if err := ko.Load(env.Provider(".", env.Opt{
		Prefix:      EnvPrefix,
		EnvironFunc: o.environ,
		TransformFunc: func(k, v string) (string, any) {
			return canonicalizeEnvKey(strings.TrimPrefix(k, EnvPrefix), existing), v
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	cfg := Default()
	if err := ko.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}
	cfg.applySliceDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Wrapf(errors.Join(errors.ErrInvalidConfig, err), "validate config")
	}
	return &cfg, nil
}

func findConfigFile(candidates []string) string {
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err == nil && !info.IsDir() {
			return abs
		}
	}
	return ""
}

// canonicalizeEnvKey maps UPSTREAM_BASEURL onto upstream.baseURL, reusing the key
// spelling already present in the file so overrides land on the same node.
func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}
		if matched, next, ok := findExistingSegment(current, segment); ok {
			canonical = append(canonical, matched)
			current = next
		} else {
			canonical = append(canonical, segment)
			current = nil
		}
	}
	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (string, map[string]any, bool) {
	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}
		child, _ := value.(map[string]any)
		return key, child, true
	}
	return "", nil, false
}

func normalizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
