package loader

// Scope represents the source hierarchy for runbook resolution. Nested
// runbooks resolve within the scope of the runbook that references them.
type Scope string

const (
	// ScopeProject searches project -> user -> embedded.
	ScopeProject Scope = "project"

	// ScopeUser searches user -> embedded (never project).
	ScopeUser Scope = "user"

	// ScopeEmbedded searches embedded only.
	ScopeEmbedded Scope = "embedded"
)

// Valid returns true if this is a recognized scope or empty (unspecified).
func (s Scope) Valid() bool {
	switch s {
	case ScopeProject, ScopeUser, ScopeEmbedded, "":
		return true
	}
	return false
}

// SearchesProject returns true if this scope includes project runbooks.
func (s Scope) SearchesProject() bool {
	return s == "" || s == ScopeProject
}

// SearchesUser returns true if this scope includes user runbooks.
func (s Scope) SearchesUser() bool {
	return s == "" || s == ScopeProject || s == ScopeUser
}

// SearchesEmbedded returns true if this scope includes embedded runbooks.
// All scopes search embedded as a fallback.
func (s Scope) SearchesEmbedded() bool {
	return true
}
