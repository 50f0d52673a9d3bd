package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load fills config, a pointer to a struct already holding the defaults,
// from the YAML file and then the environment. Nested keys are joined with
// "_" in env, e.g. REDIS_PUBSUB_ADDRS=a:6379,b:6379. Without a file only
// the environment is read.
func Load(file string, config any) error {
	v := viper.New()
	m := make(map[string]any)

	// Every key must be known to viper, otherwise env alone cannot set it.
	if err := mapstructure.Decode(config, &m); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config map: %v", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}
