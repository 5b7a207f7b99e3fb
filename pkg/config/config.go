package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// ErrInvalid marks every error New returns after the env file was read.
var ErrInvalid = errors.New("invalid config")

// FieldError names the environment variable that could not be decoded.
type FieldError struct {
	Prefix string
	Key    string
	Field  string
	Err    error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s (field %s, prefix %q): %v", ErrInvalid, e.Key, e.Field, e.Prefix, e.Err)
}

func (e *FieldError) Unwrap() []error { return []error{ErrInvalid, e.Err} }

// validator is implemented by config structs that check themselves after decoding.
type validator interface {
	Validate() error
}

var (
	envFilePath string
	parseOnce   sync.Once

	loadOnce sync.Once
	loadErr  error
)

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New decodes T from the environment under prefix. The env file given by -env, or
// ./.env when present, is read once per process; variables already set win over it.
func New[T any](prefix string) (*T, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		var perr *envconfig.ParseError
		if errors.As(err, &perr) {
			return nil, &FieldError{Prefix: prefix, Key: perr.KeyName, Field: perr.FieldName, Err: perr.Err}
		}
		return nil, fmt.Errorf("%w (prefix %q): %w", ErrInvalid, prefix, err)
	}
	if v, ok := any(&conf).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w (prefix %q): %w", ErrInvalid, prefix, err)
		}
	}
	return &conf, nil
}

func loadEnvFile() error {
	loadOnce.Do(func() {
		if path := resolveEnvPath(); path != "" {
			if err := exportEnvironment(path); err != nil {
				loadErr = fmt.Errorf("load env file %s: %w", path, err)
			}
			return
		}
		if err := exportEnvironmentIfExists(".env"); err != nil {
			loadErr = fmt.Errorf("load default env file: %w", err)
		}
	})
	return loadErr
}

func resolveEnvPath() string {
	parseOnce.Do(func() {
		if flag.Lookup("env") == nil {
			flag.StringVar(&envFilePath, "env", "", "path to .env file")
		}
		if !flag.Parsed() {
			flag.Parse()
		}
	})
	return strings.TrimSpace(envFilePath)
}

func exportEnvironmentIfExists(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(path)
}

func exportEnvironment(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return exportSettings(v.AllSettings())
}

// exportSettings sets each key as an upper-case environment variable unless the
// process environment already defines it.
func exportSettings(settings map[string]any) error {
	for k, val := range settings {
		key := strings.ToUpper(k)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
