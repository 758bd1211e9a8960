package model

import (
	"fmt"
	"strings"
)

// BranchName computes the run's working branch name under the
// agent/<repoShortName>/<taskIdPrefix>/<runId> contract.
func BranchName(repoShortName, taskID, runID string) string {
	prefix := taskID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("agent/%s/%s/%s", repoShortName, prefix, runID)
}

// ValidateBranchName reports whether name conforms to the branch naming
// contract and git ref-name rules relevant here (no spaces, no leading
// dash, no double dots, no trailing slash).
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is empty")
	}
	if !strings.HasPrefix(name, "agent/") {
		return fmt.Errorf("branch name %q must start with agent/", name)
	}
	parts := strings.Split(name, "/")
	if len(parts) != 4 {
		return fmt.Errorf("branch name %q must have form agent/<repo>/<task>/<run>", name)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("branch name %q has an empty segment", name)
		}
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name %q must not contain '..'", name)
	}
	if strings.ContainsAny(name, " \t\n~^:?*[\\") {
		return fmt.Errorf("branch name %q contains an invalid character", name)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name %q has an invalid suffix", name)
	}
	return nil
}
