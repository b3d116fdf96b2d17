package util

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// GenericConfig holds the handful of settings tools need before a session is
// built, e.g. the REPL picking a pointer width
type GenericConfig struct {
	PtrSize uint64 `yaml:"ptr_size"`
	User    string `yaml:"user"`
}

// ReadGenericConfig loads the shared subset of a session configuration file
func ReadGenericConfig(config string) (conf GenericConfig, err error) {
	var buf []byte
	if buf, err = os.ReadFile(config); err != nil {
		return
	}
	if err = yaml.Unmarshal(buf, &conf); err != nil {
		err = fmt.Errorf("parsing %s: %w", config, err)
		return
	}
	if conf.PtrSize != 0 && conf.PtrSize != 4 && conf.PtrSize != 8 {
		err = fmt.Errorf("ptr_size must be 4 or 8, got %d", conf.PtrSize)
	}
	return
}
