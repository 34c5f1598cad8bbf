package feedsync

import (
	"strconv"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Session is the explicit replacement for ambient token state: created at
// login, cleared at logout, and passed to every component that needs it.

type SessionToken struct {
	UserId   string
	Username string
	IssuedAt time.Time
	ExpireAt time.Time
}

// the token is parsed without verification. the client never holds the
// signing key; verification is the server's job on every call. the local
// parse only recovers identity and expiry for the pre-flight session check.
func ParseSessionTokenUnverified(jwt string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if sub, ok := claims["sub"]; ok {
		switch v := sub.(type) {
		case string:
			sessionToken.UserId = v
		case float64:
			sessionToken.UserId = formatIntId(v)
		}
	}
	if username, ok := claims["username"]; ok {
		if v, ok := username.(string); ok {
			sessionToken.Username = v
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		sessionToken.ExpireAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		sessionToken.IssuedAt = iat.Time
	}

	return sessionToken, nil
}

type Session struct {
	// instance id distinguishes this client instance in intent
	// idempotency keys across reconnects of the same user
	InstanceId Id

	stateLock sync.Mutex
	byJwt     string
	token     *SessionToken
}

func NewSession() *Session {
	return &Session{
		InstanceId: NewId(),
	}
}

// SetByJwt installs the token issued at login. A parse failure leaves the
// session unauthenticated.
func (self *Session) SetByJwt(byJwt string) error {
	token, err := ParseSessionTokenUnverified(byJwt)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.byJwt = byJwt
	self.token = token
	return nil
}

// Clear is called at logout
func (self *Session) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.byJwt = ""
	self.token = nil
}

func (self *Session) ByJwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.byJwt
}

func (self *Session) Token() *SessionToken {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token
}

// IsSessionValid is the synchronous pre-flight check called before every
// fetch and join. A session with no expiry claim is treated as valid until
// the server says otherwise.
func (self *Session) IsSessionValid() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.token == nil {
		return false
	}
	if self.token.ExpireAt.IsZero() {
		return true
	}
	return time.Now().Before(self.token.ExpireAt)
}

// numeric identities appear as float64 after json decode
func formatIntId(v float64) string {
	return strconv.FormatInt(int64(v), 10)
}
