package blmon

import (
	"path/filepath"
)

// ConfigDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the directory of the current config file.
func ConfigDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(ConfigPath), f)
}

// DataDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the data directory from the currently active
// configuration.
func DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(ConfigDirPath(Conf.Static.DataDir), f)
}
