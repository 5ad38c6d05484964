package config

import (
	"os"
	"path/filepath"
)

const defaultBaseDir = ".chatflow"

// Paths holds resolved filesystem paths for ChatFlow data.
type Paths struct {
	Base   string // ~/.chatflow
	Config string // ~/.chatflow/config.yaml
	Data   string // ~/.chatflow/data
	Logs   string // ~/.chatflow/logs
	Media  string // ~/.chatflow/media (downloaded images/voice)
}

// ResolvePaths computes all standard paths from the home directory.
// If CHATFLOW_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("CHATFLOW_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:   base,
		Config: filepath.Join(base, "config.yaml"),
		Data:   filepath.Join(base, "data"),
		Logs:   filepath.Join(base, "logs"),
		Media:  filepath.Join(base, "media"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Data, p.Logs, p.Media} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}
