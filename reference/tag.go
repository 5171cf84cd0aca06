package reference

import (
	"fmt"
	"regexp"
)

// TagAnchoredRegexp matches valid tag names, anchored at the start and
// end of the matched string.
var TagAnchoredRegexp = regexp.MustCompile(`^` + TagRegexp.String() + `$`)

// ErrTagInvalid is returned when a tag does not match TagAnchoredRegexp.
var ErrTagInvalid = fmt.Errorf("tag name must match %q", TagRegexp.String())

// Tag represents an image's tag name.
type Tag string

// NewTag returns a valid Tag from an input string s.
// If the validation fails, an error is returned.
func NewTag(s string) (Tag, error) {
	tag := Tag(s)
	return tag, tag.Validate()
}

// Validate returns ErrTagInvalid if tag does not match TagAnchoredRegexp.
//
//	tag	:= [\w][\w.-]{0,127}
func (tag Tag) Validate() error {
	if !TagAnchoredRegexp.MatchString(string(tag)) {
		return ErrTagInvalid
	}
	return nil
}

// ValidateTagName returns ErrTagInvalid if name is not a valid tag name.
func ValidateTagName(name string) error {
	return Tag(name).Validate()
}
