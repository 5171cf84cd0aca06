package syncer

import "testing"

func TestTagAllowedMirrorFilterScenario(t *testing.T) {
	// include "8.*", exclude "*-rc*" over {8.5, 8.6, 8.6-rc1, 9.0}
	// must produce exactly {8.5, 8.6}.
	include := []string{"8.*"}
	exclude := []string{"*-rc*"}
	upstream := []string{"8.5", "8.6", "8.6-rc1", "9.0"}

	var kept []string
	for _, tag := range upstream {
		if tagAllowed(tag, include, exclude) {
			kept = append(kept, tag)
		}
	}

	want := []string{"8.5", "8.6"}
	if len(kept) != len(want) {
		t.Fatalf("expected %v, got %v", want, kept)
	}
	for i, tag := range want {
		if kept[i] != tag {
			t.Fatalf("expected %v, got %v", want, kept)
		}
	}
}

func TestTagAllowedEmptyIncludeMeansEverything(t *testing.T) {
	if !tagAllowed("anything", nil, nil) {
		t.Fatalf("expected an empty include list to allow all tags")
	}
}

func TestTagAllowedExcludeWinsOverInclude(t *testing.T) {
	if tagAllowed("8.6-rc1", []string{"*"}, []string{"*-rc*"}) {
		t.Fatalf("expected exclude to win when both include and exclude match")
	}
}
