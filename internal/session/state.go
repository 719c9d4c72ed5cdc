package session

// State is the authentication state of the session.
type State int

const (
	Uninitialized   State = iota // No check has completed yet
	Loading                      // An auth operation is in flight
	Authenticated                // A usable access token is stored
	Unauthenticated              // Signed out, expired, or never signed in
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Session is a point-in-time view of the session. UserEmail is empty when
// no user is known.
type Session struct {
	State           State
	AuthLoading     bool
	IsAuthenticated bool
	UserEmail       string
	IsPayingUser    bool
}
