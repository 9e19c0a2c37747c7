package params

import (
	"os"
	"reflect"
	"strconv"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "params")

// fromEnv overlays environment variables onto the given config using the
// `env` struct tags. Unparseable values are logged and skipped so a typo
// in the deployment never prevents startup.
func fromEnv(c *Config) *Config {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		field := v.Field(i)
		switch field.Kind() {
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				log.WithField("var", name).WithError(err).Warn("Ignoring unparseable integer override")
				continue
			}
			field.SetInt(n)
		case reflect.Float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				log.WithField("var", name).WithError(err).Warn("Ignoring unparseable float override")
				continue
			}
			field.SetFloat(f)
		case reflect.String:
			field.SetString(raw)
		}
	}
	return c
}
