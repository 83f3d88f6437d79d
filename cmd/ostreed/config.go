package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's on-disk configuration: the osname it manages,
// the sysroot it operates on, the D-Bus bus name/path it exports
// itself under, and the external deploy binary to shell out to.
type Config struct {
	OSName     string `yaml:"osname"`
	SysrootDir string `yaml:"sysroot_dir"`
	BusName    string `yaml:"bus_name"`
	ObjectPath string `yaml:"object_path"`
	DeployBin  string `yaml:"deploy_binary"`
}

func defaultConfig() Config {
	return Config{
		OSName:     "default",
		SysrootDir: "/",
		BusName:    "org.coreos.OstreeSysroot1",
		ObjectPath: "/org/coreos/OstreeSysroot1",
		DeployBin:  "",
	}
}

// loadConfig reads path as YAML over the defaults; a missing file is
// not an error, the daemon just runs with defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
