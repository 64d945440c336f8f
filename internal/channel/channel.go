// Package channel classifies channel names into site-scoped and global
// partitions and builds the partition keys shared by the backlog store and
// the wait registry.
//
// Channel names under GlobalPrefix resolve to a single partition shared by
// every site; all other names are isolated per site. Both the publish and the
// subscribe paths resolve through the same function, so cross-site isolation
// (and its single global exception) is decided in exactly one place.
package channel

import "strings"

// GlobalPrefix marks channels shared across all sites.
const GlobalPrefix = "/global/"

// StatusChannel is the synthetic channel carrying last-id status payloads.
const StatusChannel = "/__status"

// Key identifies a backlog partition. Global partitions carry an empty Site.
type Key struct {
	Site string
	Name string
}

// Resolve maps a (site, channel name) pair to its partition key.
func Resolve(site, name string) Key {
	if IsGlobal(name) {
		return Key{Name: name}
	}
	return Key{Site: site, Name: name}
}

// IsGlobal reports whether a channel name falls in the global namespace.
func IsGlobal(name string) bool {
	return strings.HasPrefix(name, GlobalPrefix)
}

// Encode renders the key as a string usable for map indexing. Site and name
// are length-prefixed so distinct pairs can never collide.
func (k Key) Encode() string {
	var b strings.Builder
	b.Grow(len(k.Site) + len(k.Name) + 8)
	b.WriteString(itoa(len(k.Site)))
	b.WriteByte(':')
	b.WriteString(k.Site)
	b.WriteByte('/')
	b.WriteString(k.Name)
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
