package config

import (
	"reflect"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Path is a filesystem path in configuration. A leading ~ is expanded to the user's home directory on load.
type Path string

func (p Path) String() string {
	return string(p)
}

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
		ExpandHomeHookFunc(),
	)),
}

func ExpandHomeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(Path("")) {
			return data, nil
		}
		expanded, err := homedir.Expand(data.(string))
		if err != nil {
			return nil, err
		}
		return Path(expanded), nil
	}
}
