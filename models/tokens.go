package models

// TokenData identifies the owner of an authenticated surface: one tenant,
// one user, and the roles the user holds inside that tenant. It is
// resolved once, either from an API key or from a short-lived stream
// token, and everything topic-shaped is derived from it server-side.
type TokenData struct {
	Tenant string   `json:"tenant"`
	User   string   `json:"user"`
	Roles  []string `json:"roles"`
}

func (td TokenData) HasRole(role string) bool {
	for _, r := range td.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the token holds at least one of the given
// roles. An empty allow list matches nothing.
func (td TokenData) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if td.HasRole(r) {
			return true
		}
	}
	return false
}
