package reference

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
)

func TestValidateRepositoryName(t *testing.T) {
	longName := strings.Repeat("a/", 127) + strconv.Itoa(4)

	for _, testcase := range []struct {
		input string
		err   error
	}{
		{input: "", err: ErrRepositoryNameEmpty},
		{input: "short"},
		{input: "library/ubuntu"},
		{input: "ns/team/img"},
		{input: "a/" + strings.Repeat("b.c_d-e/", 20) + "tail"},
		{input: longName},
		{input: strings.Repeat("a", RepositoryNameTotalLengthMax+1), err: ErrRepositoryNameLong},
		{input: "Asteroids/are/falling", err: ErrRepositoryNameComponentInvalid},
		{input: "double//slash", err: ErrRepositoryNameComponentInvalid},
		{input: "trailing/slash/", err: ErrRepositoryNameComponentInvalid},
		{input: "-leading/dash", err: ErrRepositoryNameComponentInvalid},
		{input: "under_score/ok"},
		{input: "dot..dot/bad", err: ErrRepositoryNameComponentInvalid},
	} {
		err := ValidateRepositoryName(testcase.input)
		if err != testcase.err {
			t.Errorf("ValidateRepositoryName(%q) = %v, expected %v", testcase.input, err, testcase.err)
		}
	}
}

func TestRepositoryNameRegexpAnchorsRouteVariable(t *testing.T) {
	anchored := regexp.MustCompile("^" + RepositoryNameRegexp.String() + "$")
	for _, valid := range []string{"busybox", "library/busybox", "a/b/c/d"} {
		if !anchored.MatchString(valid) {
			t.Errorf("expected %q to match the repository route pattern", valid)
		}
	}
	for _, invalid := range []string{"", "UPPER/case", "spaces in/name", "trailing/"} {
		if anchored.MatchString(invalid) {
			t.Errorf("expected %q not to match the repository route pattern", invalid)
		}
	}
}
