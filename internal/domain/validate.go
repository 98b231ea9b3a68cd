package domain

import (
	"regexp"
	"strings"
	"unicode"
)

const maxBranchNameLength = 250

// Characters git refuses inside a ref name.
const forbiddenBranchChars = "~^:?*[]\\"

var (
	sshURLPattern   = regexp.MustCompile(`^git@[A-Za-z0-9.-]+:[A-Za-z0-9._~/-]+\.git$`)
	httpsURLPattern = regexp.MustCompile(`^https://[A-Za-z0-9.-]+(?::\d+)?(?:/[A-Za-z0-9._~-]+)+\.git$`)
	branchSafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// ValidBranchName reports whether name satisfies git's ref naming rules:
// no leading dash, no "..", no trailing slash or dot, no control characters,
// no whitespace, none of ~^:?*[]\, no "@{", not ending in ".lock", and at
// most 250 characters.
func ValidBranchName(name string) bool {
	if name == "" || len(name) > maxBranchNameLength {
		return false
	}
	if strings.HasPrefix(name, "-") {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return false
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, ".lock") {
		return false
	}
	if strings.ContainsAny(name, forbiddenBranchChars) {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// ValidGitURL reports whether url is an acceptable remote: SSH in the
// git@host:path.git form, or HTTPS ending in .git. Plain HTTP is rejected.
func ValidGitURL(url string) bool {
	return sshURLPattern.MatchString(url) || httpsURLPattern.MatchString(url)
}

// SanitizeBranch maps a branch name onto the filesystem-safe form used in
// worktree paths and container names: any character outside [A-Za-z0-9-_]
// becomes an underscore.
func SanitizeBranch(name string) string {
	return branchSafeChars.ReplaceAllString(name, "_")
}
