// Package semver validates plugin names and versions.
package semver

import (
	"fmt"
	"regexp"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:version"

var pluginNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)

// ValidatePluginName reports whether name is a valid plugin name (letters,
// digits, dots, hyphens and underscores, starting with a letter).
func ValidatePluginName(name string) bool {
	return pluginNameRegex.MatchString(name)
}

// ParseVersion parses a strict SemVer version such as "1.2.3" or "2.0.0-rc.1".
func ParseVersion(v string) (*masterminds.Version, error) {
	parsed, err := masterminds.StrictNewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version %q: %w", logPrefix, v, err)
	}
	return parsed, nil
}
