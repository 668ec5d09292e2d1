// Package state holds the process-wide agent identity. Written once at
// startup (or re-enrollment), read from many goroutines.
package state

import "sync/atomic"

// Identity is the agent's binding to the organization, created at
// enrollment. The zero value means "not enrolled".
type Identity struct {
	AgentID string
	OrgID   string
	SiteID  string
	Tags    []string
}

var (
	identity   atomic.Value // Identity
	credential atomic.Value // string
)

func SetIdentity(id Identity) { identity.Store(id) }

func GetIdentity() Identity {
	if v := identity.Load(); v != nil {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}

func SetCredential(c string) { credential.Store(c) }

func GetCredential() string {
	if v := credential.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Clear wipes identity and credential, used on unenrollment.
func Clear() {
	identity.Store(Identity{})
	credential.Store("")
}
