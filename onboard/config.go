package onboard

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/Masterminds/semver"
	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v2"

	"github.com/CodedInternet/simpos/onboard/bridge"
	"github.com/CodedInternet/simpos/onboard/serialbus"
)

const (
	CONFIG_VERSION    = "1.0.0"
	CONFIG_CONSTRAINT = "~1.0"
	DefaultPort       = "COM20"
)

type DeviceConfig struct {
	Version string           `yaml:"version"`
	Port    string           `yaml:"port" env:"SIMPOS_PORT"`
	Serial  serialbus.Config `yaml:"serial"`
	Bridge  bridge.Config    `yaml:"bridge"`
}

func DefaultConfig() DeviceConfig {
	return DeviceConfig{
		Version: CONFIG_VERSION,
		Port:    DefaultPort,
		Bridge: bridge.Config{
			Listen: bridge.DefaultListen,
			Scale:  bridge.DefaultScale,
		},
	}
}

// LoadConfig starts from the defaults, overlays the YAML file at path if there is one and finally the SIMPOS_*
// environment.
func LoadConfig(path string) (config DeviceConfig, err error) {
	config = DefaultConfig()

	if path != "" {
		var raw []byte
		raw, err = ioutil.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			err = nil
		case err != nil:
			return
		default:
			if err = yaml.Unmarshal(raw, &config); err != nil {
				return config, fmt.Errorf("unable to parse %s: %w", path, err)
			}
		}
	}

	if err = env.Parse(&config); err != nil {
		return
	}

	err = config.CheckVersion()
	return
}

// CheckVersion refuses files written for an incompatible layout.
func (c DeviceConfig) CheckVersion() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("bad config version %q: %w", c.Version, err)
	}

	constraint, err := semver.NewConstraint(CONFIG_CONSTRAINT)
	if err != nil {
		return err
	}

	if !constraint.Check(v) {
		return fmt.Errorf("unable to work with config version %s, want %s", v, CONFIG_CONSTRAINT)
	}
	return nil
}
