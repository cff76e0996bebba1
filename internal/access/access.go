// Package access gates command handling on configured allow-lists.
package access

// Gate decides whether a requester may use the judging command. A user
// match grants access in any channel; a group match grants access to
// everyone posting in that group. With both lists empty every request
// is denied, so a fresh install stays silent until someone is trusted
// explicitly.
type Gate struct {
	users  map[int64]struct{}
	groups map[int64]struct{}
}

// NewGate builds a gate from the configured user and group IDs.
func NewGate(users, groups []int64) *Gate {
	g := &Gate{
		users:  make(map[int64]struct{}, len(users)),
		groups: make(map[int64]struct{}, len(groups)),
	}
	for _, id := range users {
		g.users[id] = struct{}{}
	}
	for _, id := range groups {
		g.groups[id] = struct{}{}
	}
	return g
}

// Allow reports whether userID may run commands in the given channel.
// groupID is zero for direct messages. Direct messages carry no
// implicit trust: a user off the list is denied even in private chat.
func (g *Gate) Allow(userID, groupID int64) bool {
	if _, ok := g.users[userID]; ok {
		return true
	}
	if groupID != 0 {
		if _, ok := g.groups[groupID]; ok {
			return true
		}
	}
	return false
}
