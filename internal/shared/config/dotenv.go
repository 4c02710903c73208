package config

import (
	"os"

	"github.com/spf13/viper"
)

// readEnvFile merges the first existing KEY=VALUE file into v.
// Missing or malformed files are ignored; real environment variables still win.
func readEnvFile(v *viper.Viper, paths ...string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err == nil {
			return
		}
	}
}
