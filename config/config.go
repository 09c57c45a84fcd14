// Package config loads hub and worker configuration. A config source is
// anything that can populate a struct; deployments use a JSON file, the
// environment, or a file overlaid by the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// Config is a source from which application configuration can be loaded.
type Config interface {
	LoadConfig(c any) error
	Check() error
}

// Load first ensures that the config source is valid and accessible, then
// loads it into c and validates the result against its validate tags.
func Load(cs Config, c any) error {
	if err := cs.Check(); err != nil {
		return err
	}
	if err := cs.LoadConfig(c); err != nil {
		return err
	}
	return validator.New().Struct(c)
}

// File loads configuration from a JSON file.
type File struct {
	ConfigFilePath string
}

func NewFile(configFilePath string) (*File, error) {
	file := &File{ConfigFilePath: configFilePath}
	if err := file.Check(); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *File) Check() error {
	if f.ConfigFilePath == "" {
		return fmt.Errorf("configFilePath cannot be empty")
	}
	return nil
}

func (f *File) LoadConfig(appConfig any) error {
	file, err := os.Open(f.ConfigFilePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	return decoder.Decode(appConfig)
}
