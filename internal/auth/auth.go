// Package auth is the static-password access gate. A parent password
// grants read, mutate and admin; a viewer password grants read only.
package auth

import (
	"crypto/sha256"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidPassword = errors.New("invalid password")

// Capability is one permission.
type Capability string

const (
	CapRead   Capability = "read"
	CapMutate Capability = "mutate"
	CapAdmin  Capability = "admin"
)

// Capabilities is the permission set granted to a caller.
type Capabilities map[Capability]bool

// Has reports whether c is granted.
func (cs Capabilities) Has(c Capability) bool {
	return cs[c]
}

var (
	parentCaps = Capabilities{CapRead: true, CapMutate: true, CapAdmin: true}
	viewerCaps = Capabilities{CapRead: true}
)

// Gate turns a presented password into capabilities.
type Gate interface {
	Authenticate(password string) (Capabilities, error)
}

// StaticGate checks passwords against configured bcrypt hashes. With no
// hashes configured the gate is open and grants everything.
type StaticGate struct {
	parentHash []byte
	viewerHash []byte

	// verified caches sha256(password) for passwords that already matched,
	// so bcrypt runs once per distinct password.
	verified sync.Map
}

// NewStaticGate builds a gate from bcrypt hashes; either may be empty.
func NewStaticGate(parentHash, viewerHash string) *StaticGate {
	g := &StaticGate{}
	if parentHash != "" {
		g.parentHash = []byte(parentHash)
	}
	if viewerHash != "" {
		g.viewerHash = []byte(viewerHash)
	}
	return g
}

// Open reports whether no password is configured.
func (g *StaticGate) Open() bool {
	return g.parentHash == nil && g.viewerHash == nil
}

func (g *StaticGate) Authenticate(password string) (Capabilities, error) {
	if g.Open() {
		return parentCaps, nil
	}
	if password == "" {
		return nil, ErrInvalidPassword
	}

	key := sha256.Sum256([]byte(password))
	if caps, ok := g.verified.Load(key); ok {
		return caps.(Capabilities), nil
	}

	var caps Capabilities
	switch {
	case g.parentHash != nil && bcrypt.CompareHashAndPassword(g.parentHash, []byte(password)) == nil:
		caps = parentCaps
	case g.viewerHash != nil && bcrypt.CompareHashAndPassword(g.viewerHash, []byte(password)) == nil:
		caps = viewerCaps
	default:
		return nil, ErrInvalidPassword
	}
	g.verified.Store(key, caps)
	return caps, nil
}

// HashPassword returns a bcrypt hash suitable for PARENT_PASSWORD_HASH or
// VIEWER_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
