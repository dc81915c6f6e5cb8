package session

import (
	"fmt"

	"docnotary/go-core/pkg/models"
)

// State is one of the auth states below. The set is closed.
type State interface {
	Name() string
	kind() kind
}

type kind int

const (
	kindUnknown kind = iota
	kindUnauthenticated
	kindAwaitingChallenge
	kindAwaitingSeedPhrase
	kindAuthenticating
	kindRequiresBiometric
	kindAuthenticated
)

// Unknown is the state before Start has looked at persisted credentials.
type Unknown struct{}

// Unauthenticated carries the error that ended the last attempt or session,
// if any.
type Unauthenticated struct{ Err error }

type AwaitingChallenge struct{ Email string }

// AwaitingSeedPhrase holds a challenge ready to be signed. Err is set when
// the previous completion attempt failed.
type AwaitingSeedPhrase struct {
	Email     string
	Challenge string
	Err       error
}

type Authenticating struct{ Email string }

type RequiresBiometric struct{ Email string }

type Authenticated struct{ User models.User }

func (Unknown) Name() string            { return "unknown" }
func (Unauthenticated) Name() string    { return "unauthenticated" }
func (AwaitingChallenge) Name() string  { return "awaiting_challenge" }
func (AwaitingSeedPhrase) Name() string { return "awaiting_seed_phrase" }
func (Authenticating) Name() string     { return "authenticating" }
func (RequiresBiometric) Name() string  { return "requires_biometric" }
func (Authenticated) Name() string      { return "authenticated" }

func (Unknown) kind() kind            { return kindUnknown }
func (Unauthenticated) kind() kind    { return kindUnauthenticated }
func (AwaitingChallenge) kind() kind  { return kindAwaitingChallenge }
func (AwaitingSeedPhrase) kind() kind { return kindAwaitingSeedPhrase }
func (Authenticating) kind() kind     { return kindAuthenticating }
func (RequiresBiometric) kind() kind  { return kindRequiresBiometric }
func (Authenticated) kind() kind      { return kindAuthenticated }

// Challenges never appear in fmt output.
func (s AwaitingSeedPhrase) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(err=%v)", s.Name(), s.Err)
	}
	return s.Name()
}

// transitions lists every legal state change.
var transitions = map[kind][]kind{
	kindUnknown:            {kindUnauthenticated, kindRequiresBiometric},
	kindUnauthenticated:    {kindAwaitingChallenge, kindUnauthenticated},
	kindAwaitingChallenge:  {kindAwaitingSeedPhrase, kindUnauthenticated},
	kindAwaitingSeedPhrase: {kindAwaitingChallenge, kindAuthenticating, kindUnauthenticated},
	kindAuthenticating:     {kindAuthenticated, kindAwaitingSeedPhrase, kindUnauthenticated},
	kindRequiresBiometric:  {kindAuthenticating, kindUnauthenticated},
	kindAuthenticated:      {kindUnauthenticated},
}

func canTransition(from, to State) bool {
	for _, k := range transitions[from.kind()] {
		if k == to.kind() {
			return true
		}
	}
	return false
}

type operation string

const (
	opStart            operation = "start"
	opRequestChallenge operation = "request_challenge"
	opCompleteAuth     operation = "complete_authentication"
	opBiometric        operation = "authenticate_with_biometric"
	opLogout           operation = "logout"
	opForceLogout      operation = "force_logout"
)

// sources lists the states each operation may start from.
var sources = map[operation][]kind{
	opStart:            {kindUnknown},
	opRequestChallenge: {kindUnauthenticated, kindAwaitingSeedPhrase},
	opCompleteAuth:     {kindAwaitingSeedPhrase},
	opBiometric:        {kindRequiresBiometric},
	opLogout:           {kindAuthenticated},
	opForceLogout: {
		kindUnauthenticated, kindAwaitingChallenge, kindAwaitingSeedPhrase,
		kindAuthenticating, kindRequiresBiometric, kindAuthenticated,
	},
}

func allowedFrom(op operation, s State) bool {
	for _, k := range sources[op] {
		if k == s.kind() {
			return true
		}
	}
	return false
}
