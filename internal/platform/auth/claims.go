package auth

import (
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// identityFromToken maps verified token claims onto an Identity. roleClaim may hold a
// single role, a list of roles, or an object of role flags such as {"staff": true}.
func identityFromToken(token *firebaseauth.Token, roleClaim string) *Identity {
	identity := &Identity{UID: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}

	var raw []string
	switch v := token.Claims[roleClaim].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for role, flag := range v {
			if on, _ := flag.(bool); on {
				raw = append(raw, role)
			}
		}
	}

	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		role := normaliseRole(r)
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		identity.Roles = append(identity.Roles, role)
	}
	return identity
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
