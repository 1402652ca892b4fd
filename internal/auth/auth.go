// Package auth defines who is calling and what they may touch.
//
// A Principal belongs to one tenant. Its scopes narrow access within that
// tenant; a principal with no scopes has full access to its tenant.
// Scopes have the form resourceType:resourceId:accessLevel, for example
// "realm:shop-1:readwrite" or "automata:*:read". A realm scope grants the
// same access to every automata in the realm.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthenticated is returned when a credential cannot be verified.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Access is an access level.
type Access string

const (
	Read      Access = "read"
	ReadWrite Access = "readwrite"
)

// Allows reports whether a grant of a satisfies a need for need.
func (a Access) Allows(need Access) bool {
	switch a {
	case ReadWrite:
		return need == Read || need == ReadWrite
	case Read:
		return need == Read
	}
	return false
}

// Resource types a scope can name.
const (
	ResourceRealm    = "realm"
	ResourceAutomata = "automata"
)

// Wildcard matches any resource id.
const Wildcard = "*"

// Scope grants access to one resource or, with Wildcard, to all of a type.
type Scope struct {
	Resource string
	ID       string
	Access   Access
}

// ParseScope parses resourceType:resourceId:accessLevel.
func ParseScope(s string) (Scope, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Scope{}, fmt.Errorf("scope %q: want resourceType:resourceId:accessLevel", s)
	}
	sc := Scope{Resource: parts[0], ID: parts[1], Access: Access(parts[2])}
	switch sc.Resource {
	case ResourceRealm, ResourceAutomata:
	default:
		return Scope{}, fmt.Errorf("scope %q: unknown resource type %q", s, sc.Resource)
	}
	if sc.ID == "" {
		return Scope{}, fmt.Errorf("scope %q: empty resource id", s)
	}
	if sc.Access != Read && sc.Access != ReadWrite {
		return Scope{}, fmt.Errorf("scope %q: unknown access level %q", s, sc.Access)
	}
	return sc, nil
}

// ParseScopes parses every entry of ss.
func ParseScopes(ss []string) ([]Scope, error) {
	out := make([]Scope, 0, len(ss))
	for _, s := range ss {
		sc, err := ParseScope(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s Scope) String() string {
	return s.Resource + ":" + s.ID + ":" + string(s.Access)
}

func (s Scope) matches(id string) bool {
	return s.ID == Wildcard || s.ID == id
}

// Principal is an authenticated caller.
type Principal struct {
	TenantID  string
	SubjectID string
	Scopes    []Scope
}

// Can reports whether p may access the automata automataID in realmID
// of tenantID at level need. An empty automataID asks about the realm
// itself, as listing does.
func (p Principal) Can(need Access, tenantID, realmID, automataID string) bool {
	if p.TenantID == "" || p.TenantID != tenantID {
		return false
	}
	if len(p.Scopes) == 0 {
		return true
	}
	for _, sc := range p.Scopes {
		if !sc.Access.Allows(need) {
			continue
		}
		switch sc.Resource {
		case ResourceRealm:
			if sc.matches(realmID) {
				return true
			}
		case ResourceAutomata:
			if automataID != "" && sc.matches(automataID) {
				return true
			}
		}
	}
	return false
}

// ScopeStrings renders the scopes for token claims.
func (p Principal) ScopeStrings() []string {
	out := make([]string, len(p.Scopes))
	for i, sc := range p.Scopes {
		out[i] = sc.String()
	}
	return out
}

// Provider turns a request credential into a Principal.
type Provider interface {
	Authenticate(ctx context.Context, credential string) (Principal, error)
}
