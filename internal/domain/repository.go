package domain

// Repository is a git repository registered with the platform, unique by
// remote URL.
type Repository struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	RemoteURL string `json:"remote_url"`
	OwnerID   int64  `json:"owner_id"`

	// DeployKeyPath points at the private half of the deploy key pair, if
	// one has been generated. Empty for repositories cloned anonymously.
	DeployKeyPath string `json:"deploy_key_path,omitempty"`
}

// Permission describes what a user may do with a repository. Unique per
// (user, repository) pair.
type Permission struct {
	UserID              int64    `json:"user_id"`
	RepositoryID        int64    `json:"repository_id"`
	CanCreateBranches   bool     `json:"can_create_branches"`
	BranchLimit         int      `json:"branch_limit"`
	AllowedBaseBranches []string `json:"allowed_base_branches"`
	AllowTerminalAccess bool     `json:"allow_terminal_access"`
}

// AllowsBase reports whether branch may be used as a base for new branches.
func (p *Permission) AllowsBase(branch string) bool {
	for _, b := range p.AllowedBaseBranches {
		if b == branch {
			return true
		}
	}
	return false
}
