package workflow

import (
	"fmt"
	"strings"
)

// WorkflowRef addresses a reusable workflow in another repository,
// written as owner/repo/path@ref.
type WorkflowRef struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

func (r WorkflowRef) String() string {
	return fmt.Sprintf("%s/%s/%s@%s", r.Owner, r.Repo, r.Path, r.Ref)
}

// Floating reports whether the ref tracks a moving branch instead of
// a pinned tag or SHA.
func (r WorkflowRef) Floating() bool {
	switch r.Ref {
	case "main", "master", "HEAD":
		return true
	}
	return false
}

// ParseRef parses an owner/repo/path@ref reusable workflow reference.
func ParseRef(uses string) (WorkflowRef, error) {
	at := strings.LastIndex(uses, "@")
	if at < 0 {
		return WorkflowRef{}, fmt.Errorf("reference %q: missing @ref", uses)
	}
	location, ref := uses[:at], uses[at+1:]
	if ref == "" {
		return WorkflowRef{}, fmt.Errorf("reference %q: empty ref", uses)
	}
	parts := strings.SplitN(location, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return WorkflowRef{}, fmt.Errorf("reference %q: want owner/repo/path@ref", uses)
	}
	return WorkflowRef{
		Owner: parts[0],
		Repo:  parts[1],
		Path:  parts[2],
		Ref:   ref,
	}, nil
}
