package domain

import "testing"

func TestValidBranchName(t *testing.T) {
	valid := []string{
		"main",
		"feature/test",
		"bugfix/issue-123",
		"release/v1.0.0",
	}
	for _, name := range valid {
		if !ValidBranchName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{
		"",
		"-leading-dash",
		"double..dot",
		"trailing/",
		"trailing.",
		"ends.lock",
		"has space",
		"has\ttab",
		"has\ncontrol",
		"tilde~1",
		"caret^2",
		"colon:name",
		"question?",
		"star*",
		"bracket[",
		"bracket]",
		"back\\slash",
		"at@{brace",
	}
	for _, name := range invalid {
		if ValidBranchName(name) {
			t.Errorf("expected %q to be rejected", name)
		}
	}

	long := make([]byte, 251)
	for i := range long {
		long[i] = 'a'
	}
	if ValidBranchName(string(long)) {
		t.Error("expected 251-char branch name to be rejected")
	}
}

func TestValidGitURL(t *testing.T) {
	valid := []string{
		"git@host:u/r.git",
		"git@github.com:acme/demo.git",
		"https://host/u/r.git",
		"https://gitlab.example.com/group/sub/project.git",
	}
	for _, url := range valid {
		if !ValidGitURL(url) {
			t.Errorf("expected %q to be valid", url)
		}
	}

	invalid := []string{
		"http://host/u/r.git",
		"git@host/u/r.git",
		"https://host/u/r",
		"ftp://host/u/r.git",
		"",
	}
	for _, url := range invalid {
		if ValidGitURL(url) {
			t.Errorf("expected %q to be rejected", url)
		}
	}
}

func TestSanitizeBranch(t *testing.T) {
	cases := map[string]string{
		"main":                             "main",
		"feature/test":                     "feature_test",
		"feature/complex-branch_name@123":  "feature_complex-branch_name_123",
		"release/v1.0.0":                   "release_v1_0_0",
	}
	for in, want := range cases {
		if got := SanitizeBranch(in); got != want {
			t.Errorf("SanitizeBranch(%q) = %q, want %q", in, got, want)
		}
	}
}
