package client

import (
	"github.com/jward/codeintel/internal/config"
)

// LoadConfig builds a manager config for the engine at command, using the
// settings file and CODEINTEL_* overrides of the database directory.
func LoadConfig(command, dbDir string) (Config, error) {
	s, err := config.LoadConfig(dbDir)
	if err != nil {
		return Config{}, err
	}
	return FromSettings(command, dbDir, s), nil
}

// FromSettings maps engine settings onto a manager config.
func FromSettings(command, dbDir string, s *config.Config) Config {
	return Config{
		Command:            command,
		DatabaseDir:        dbDir,
		LogFile:            s.LogFile,
		LogLevels:          s.LogLevels,
		Mode:               s.OOPMode,
		ResetDBAsNecessary: s.ResetDBAsNecessary,
	}
}
