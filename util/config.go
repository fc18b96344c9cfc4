package util

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ReadConfig decodes a JSON or YAML config file into config. The format is
// picked from the file extension; anything that is not .yaml/.yml is JSON.
func ReadConfig(filename string, config interface{}) error {
	configData, err := ioutil.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "util: read config %s", filename)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(configData, config)
	default:
		err = json.Unmarshal(configData, config)
	}
	if err != nil {
		return errors.Wrapf(err, "util: decode config %s", filename)
	}
	return nil
}

// WriteConfig is the inverse of ReadConfig.
func WriteConfig(filename string, config interface{}) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err := yaml.Marshal(config)
		if err != nil {
			return errors.Wrapf(err, "util: encode config %s", filename)
		}
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return err
		}
		return ioutil.WriteFile(filename, data, 0o644)
	}
	return WriteJSONConfig(filename, config)
}

func ReadJSONConfig(filename string, config interface{}) error {
	configData, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(configData, config)
}

func WriteJSONConfig(filename string, config interface{}) error {
	configData, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return ioutil.WriteFile(filename, append(configData, '\n'), 0o644)
}

// LoadEnv reads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored so a .env is always optional.
func LoadEnv(files ...string) error {
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(present...), "util: load env")
}

// Getenv returns the value of key, or def when it is unset or empty.
func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func CheckErr(err error, errfmsg string, fargs ...interface{}) {
	if err != nil {
		fmt.Fprintf(os.Stderr, errfmsg, fargs...)
		fmt.Fprintf(os.Stderr, ": %v\n", err)
		os.Exit(1)
	}
}
