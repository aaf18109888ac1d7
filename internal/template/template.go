// Package template renders task instructions by substituting
// project-scoped encrypted secrets into {{NAME}} placeholders.
package template

import (
	"context"
	"log"
	"regexp"

	"github.com/sympozium/agentcore/internal/store"
)

var placeholderPattern = regexp.MustCompile(`\{\{([A-Z_][A-Z0-9_]*)\}\}`)

// Renderer resolves {{NAME}} placeholders against a project's encrypted
// secrets. It is pure and stateless beyond the repository it reads from;
// secrets are never logged, only their presence or absence.
type Renderer struct {
	repo store.Repository
}

// New constructs a Renderer backed by repo.
func New(repo store.Repository) *Renderer {
	return &Renderer{repo: repo}
}

// Render substitutes every {{NAME}} placeholder in tmpl with the matching
// secret value for (projectID, userID). A placeholder with no matching
// secret is logged and replaced with an empty string — it is never echoed
// back raw. Template-engine syntax errors (there is no template engine,
// only this single regex grammar) are not possible here; any text that does
// not match the placeholder pattern passes through unchanged.
func (r *Renderer) Render(ctx context.Context, tmpl, projectID, userID string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]

		value, err := r.repo.GetProjectSecret(ctx, projectID, userID, name)
		if err != nil {
			log.Printf("template: secret %q not found for project %s, substituting empty string", name, projectID)
			return ""
		}
		return value
	})
}

// ExtractPlaceholderNames returns the distinct variable names referenced in
// tmpl, in order of first appearance.
func ExtractPlaceholderNames(tmpl string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(tmpl, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
