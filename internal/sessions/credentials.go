package sessions

import "strings"

// Credentials identify a remote login. Sessions are shared between checks
// with equal credentials.
type Credentials struct {
	Host     string
	User     string
	Password string
}

// Compare orders credentials by host, then user, then password.
func (c Credentials) Compare(o Credentials) int {
	if r := strings.Compare(c.Host, o.Host); r != 0 {
		return r
	}
	if r := strings.Compare(c.User, o.User); r != 0 {
		return r
	}
	return strings.Compare(c.Password, o.Password)
}

// String renders user@host. The password is never printed.
func (c Credentials) String() string {
	return c.User + "@" + c.Host
}
