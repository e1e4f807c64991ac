package domain

import "time"

// User owns servers. Servers holds denormalized copies of the user's
// canonical Server records; the lifecycle manager patches them whenever a
// canonical record changes.
type User struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Admin     bool      `json:"admin" db:"admin"`
	Servers   []Server  `json:"servers"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	out := *u
	out.Servers = make([]Server, len(u.Servers))
	for i := range u.Servers {
		out.Servers[i] = *u.Servers[i].Clone()
	}
	return &out
}

// CreateUserRequest is the request body for creating a user.
type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Admin bool   `json:"admin"`
}

// EditUserRequest patches a user. Nil fields are left as-is.
type EditUserRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Admin *bool   `json:"admin,omitempty"`
}

// ServerIndex returns the index of the embedded server copy with the given
// id, or -1.
func (u *User) ServerIndex(serverID string) int {
	for i := range u.Servers {
		if u.Servers[i].ID == serverID {
			return i
		}
	}
	return -1
}
