package apperr

// UserMessage maps an error onto the message shown to end users. Internal
// detail never leaks through this mapping.
func UserMessage(err error) string {
	switch KindOf(err) {
	case Unauthorized:
		return "Please log in"
	case Forbidden, SecurityViolation:
		return "Action not allowed"
	case NotFound:
		return "The requested resource was not found"
	case ContainerLimitExceeded:
		return "You have reached the maximum number of environments"
	case GitCloneFailed:
		return "Could not clone the repository; verify the repository URL and your access"
	case InvalidBranchName:
		return "Branch name is invalid; use allowed characters"
	case InvalidGitURL:
		return "Repository URL is invalid"
	case ResourceLimitExceeded:
		return "Resource limit reached; try again later"
	case TimeoutError:
		return "The operation timed out"
	default:
		return "An unexpected error occurred, please try again"
	}
}

// RecoverySuggestion returns a non-authoritative hint for resolving the
// error, or an empty string when there is nothing useful to suggest.
func RecoverySuggestion(err error) string {
	switch KindOf(err) {
	case ContainerLimitExceeded:
		return "Stop unused environments to free capacity"
	case GitCloneFailed:
		return "Verify the repository URL and access credentials"
	case ContainerCreationFailed:
		return "Retry the operation; the failure may be transient"
	case NetworkError:
		return "Check the network connection"
	default:
		return ""
	}
}
