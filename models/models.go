package models

// User is a row in the users table. Presence is tracked per login, not per
// message: last_seen refreshes each time the nickname registers.
type User struct {
	Nickname  string
	FirstSeen string
	LastSeen  string
	IPAddress string
}
