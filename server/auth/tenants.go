package auth

import "path"

// TenantAllowed reports whether tenantID matches one of the operator's tenant
// patterns. Patterns use shell glob syntax, so "*" grants every tenant.
func TenantAllowed(patterns []string, tenantID string) bool {
	if tenantID == "" {
		return false
	}
	for _, pattern := range patterns {
		if matched, err := path.Match(pattern, tenantID); err == nil && matched {
			return true
		}
	}
	return false
}
