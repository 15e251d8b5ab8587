package registry

import "fmt"

// URI identifies a service by (protocol, host, path, port). Port is
// meaningful only for TCP.
type URI struct {
	Protocol string
	Host     string
	Path     string
	Port     int
}

// Key returns a canonical string form suitable for map/cache keys.
func (u URI) Key() string {
	return fmt.Sprintf("%s://%s%s:%d", u.Protocol, u.Host, u.Path, u.Port)
}

func (u URI) String() string { return u.Key() }
