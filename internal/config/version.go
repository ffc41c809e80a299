package config

import "fmt"

// CurrentVersion is the configuration format this build writes and reads.
// A file that omits version is treated as CurrentVersion.
const CurrentVersion = 1

// VersionError reports a file whose format this build cannot read.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d requires a newer parley (this build reads up to %d)", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not valid; use %d", e.Version, e.Current)
}

// ValidateVersion accepts versions 1 through CurrentVersion.
func ValidateVersion(version int) error {
	if version >= 1 && version <= CurrentVersion {
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion}
}
