package config

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "DRAGENFLOW"

// LoadConfig reads config.yaml from defaultPath, then merges each of userSpecifiedConfigs on top in order, then
// applies DRAGENFLOW_* environment overrides, and finally unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, userSpecifiedConfigs []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading default config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, configPath := range userSpecifiedConfigs {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "merging config from %s", configPath)
		}
		log.Infof("Merged config from %s", configPath)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}
