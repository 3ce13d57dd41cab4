package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads file into config, which must be a pointer to a struct.
// Values already set in config act as defaults. Every key can be overridden by
// an environment variable named after its path, e.g. REALTIME_URL, optionally
// prefixed with envPrefix.
func Load(file, envPrefix string, config any) error {
	v := viper.New()

	// Defaults are registered leaf by leaf: viper only resolves env overrides
	// for keys it knows.
	if err := setDefaults(v, "", config); err != nil {
		return err
	}

	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(config, viper.DecodeHook(hook)); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

func setDefaults(v *viper.Viper, prefix string, in any) error {
	m := make(map[string]any)
	if err := mapstructure.Decode(in, &m); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if isNested(val) {
			if err := setDefaults(v, key, val); err != nil {
				return err
			}
			continue
		}
		v.SetDefault(key, val)
	}

	return nil
}

func isNested(val any) bool {
	if _, ok := val.(time.Time); ok {
		return false
	}
	rv := reflect.ValueOf(val)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}
