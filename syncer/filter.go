package syncer

import "path/filepath"

// tagAllowed applies a Remote's IncludeTags/ExcludeTags shell-glob lists:
// include defaults to "match everything" when empty,
// exclude always wins over include when both match the same tag.
func tagAllowed(tag string, include, exclude []string) bool {
	for _, pat := range exclude {
		if ok, _ := filepath.Match(pat, tag); ok {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pat := range include {
		if ok, _ := filepath.Match(pat, tag); ok {
			return true
		}
	}
	return false
}
