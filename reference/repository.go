package reference

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// RepositoryNameTotalLengthMax bounds the total number of characters in a
// repository path.
const RepositoryNameTotalLengthMax = 255

// RepositoryNameComponentRegexp restricts one path component of a
// repository name: lower-case alphanumeric runs joined by a single period,
// underscore or dash.
var RepositoryNameComponentRegexp = regexp.MustCompile(`[a-z0-9]+(?:[._-][a-z0-9]+)*`)

// RepositoryNameComponentAnchoredRegexp is RepositoryNameComponentRegexp
// anchored to match a whole component.
var RepositoryNameComponentAnchoredRegexp = regexp.MustCompile(`^` + RepositoryNameComponentRegexp.String() + `$`)

// RepositoryNameRegexp matches a slash-separated repository path of one or
// more components, e.g. "library/busybox" or "ns/team/img". Registry routes
// constrain their {name} variable with this expression.
var RepositoryNameRegexp = regexp.MustCompile(RepositoryNameComponentRegexp.String() + `(?:/` + RepositoryNameComponentRegexp.String() + `)*`)

var (
	// ErrRepositoryNameEmpty is returned for empty repository names.
	ErrRepositoryNameEmpty = errors.New("repository name must have at least one component")

	// ErrRepositoryNameLong is returned when a repository name exceeds
	// RepositoryNameTotalLengthMax.
	ErrRepositoryNameLong = fmt.Errorf("repository name must not be more than %v characters", RepositoryNameTotalLengthMax)

	// ErrRepositoryNameComponentInvalid is returned when a path component
	// does not match RepositoryNameComponentRegexp.
	ErrRepositoryNameComponentInvalid = fmt.Errorf("repository name component must match %q", RepositoryNameComponentRegexp.String())
)

// ValidateRepositoryName checks name against the repository path grammar:
//
//	name      := component ['/' component]*
//	component := alpha-numeric [separator alpha-numeric]*
//	separator := /[._-]/
//
// limited to RepositoryNameTotalLengthMax characters in total.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return ErrRepositoryNameEmpty
	}
	if len(name) > RepositoryNameTotalLengthMax {
		return ErrRepositoryNameLong
	}
	for _, component := range strings.Split(name, "/") {
		if !RepositoryNameComponentAnchoredRegexp.MatchString(component) {
			return ErrRepositoryNameComponentInvalid
		}
	}
	return nil
}
