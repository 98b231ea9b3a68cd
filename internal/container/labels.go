package container

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
)

// Label namespace for every container this service manages. Listings always
// filter on the managed marker.
const (
	labelNamespace = "cloud-ide-orchestrator"

	LabelManaged         = labelNamespace + ".managed"
	LabelUserID          = labelNamespace + ".user-id"
	LabelRepositoryID    = labelNamespace + ".repository-id"
	LabelBranchName      = labelNamespace + ".branch-name"
	LabelCreated         = labelNamespace + ".created"
	LabelLastAccessed    = labelNamespace + ".last-accessed"
	LabelSecurityProfile = labelNamespace + ".security-profile"
)

// ContainerName derives the deterministic container name for a session.
func ContainerName(userID, repoID int64, branch string) string {
	return fmt.Sprintf("ide_user_%d_repo_%d_%s", userID, repoID, domain.SanitizeBranch(branch))
}

var containerNameRe = regexp.MustCompile(`^/?ide_user_(\d+)_repo_(\d+)_(.+)$`)

// ParseContainerName recovers the session identity from a managed container
// name. The branch component is the sanitized form, so branches containing
// characters outside [A-Za-z0-9_-] do not round-trip exactly.
func ParseContainerName(name string) (SessionIdentity, error) {
	m := containerNameRe.FindStringSubmatch(name)
	if m == nil {
		return SessionIdentity{}, fmt.Errorf("container name %q is not a managed session name", name)
	}
	userID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("parse user id in %q: %w", name, err)
	}
	repoID, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("parse repository id in %q: %w", name, err)
	}
	return SessionIdentity{UserID: userID, RepositoryID: repoID, Branch: m[3]}, nil
}

// SessionLabels builds the managed label set stamped onto a new container.
func SessionLabels(userID, repoID int64, branch string, now time.Time) map[string]string {
	ts := now.UTC().Format(time.RFC3339)
	return map[string]string{
		LabelManaged:         "true",
		LabelUserID:          strconv.FormatInt(userID, 10),
		LabelRepositoryID:    strconv.FormatInt(repoID, 10),
		LabelBranchName:      branch,
		LabelCreated:         ts,
		LabelLastAccessed:    ts,
		LabelSecurityProfile: "enabled",
	}
}

// SessionIdentity is the (user, repo, branch) tuple read back from labels.
type SessionIdentity struct {
	UserID       int64
	RepositoryID int64
	Branch       string
}

// ParseSessionLabels extracts the session identity from a label set. It
// fails when the user or repository labels are missing or malformed.
func ParseSessionLabels(labels map[string]string) (SessionIdentity, error) {
	userID, err := strconv.ParseInt(labels[LabelUserID], 10, 64)
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("parse user-id label %q: %w", labels[LabelUserID], err)
	}
	repoID, err := strconv.ParseInt(labels[LabelRepositoryID], 10, 64)
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("parse repository-id label %q: %w", labels[LabelRepositoryID], err)
	}
	return SessionIdentity{
		UserID:       userID,
		RepositoryID: repoID,
		Branch:       labels[LabelBranchName],
	}, nil
}

// requiredLabels every managed container must carry.
var requiredLabels = []string{
	LabelManaged,
	LabelUserID,
	LabelRepositoryID,
	LabelBranchName,
	LabelCreated,
	LabelLastAccessed,
	LabelSecurityProfile,
}

// MissingLabels reports which required labels are absent.
func MissingLabels(labels map[string]string) []string {
	var missing []string
	for _, key := range requiredLabels {
		if labels[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// labelCreatedAt reads the created timestamp, zero time on parse failure.
func labelCreatedAt(labels map[string]string) time.Time {
	t, err := time.Parse(time.RFC3339, labels[LabelCreated])
	if err != nil {
		return time.Time{}
	}
	return t
}

// labelLastAccessed reads the last-accessed timestamp, zero time on parse
// failure.
func labelLastAccessed(labels map[string]string) time.Time {
	t, err := time.Parse(time.RFC3339, labels[LabelLastAccessed])
	if err != nil {
		return time.Time{}
	}
	return t
}
