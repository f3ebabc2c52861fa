package registry

import (
	"github.com/Masterminds/semver/v3"
)

// Matches reports whether s satisfies filter, written as role or
// role@version. An empty filter matches everything. The version part is
// a semver constraint when it parses as one, otherwise it must equal the
// service's version exactly.
func Matches(filter string, s Service) bool {
	if filter == "" {
		return true
	}
	role, version := splitRole(filter)
	if role != s.Role {
		return false
	}
	if version == "" {
		return true
	}

	c, err := semver.NewConstraint(version)
	if err != nil {
		return version == s.Version
	}
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return false
	}
	return c.Check(v)
}
