package model

// User is the identity a ticket resolves to. Credentials live elsewhere.
type User struct {
	ID        int64  `json:"id" db:"id"`
	Username  string `json:"username" db:"username"`
	PGPPublic string `json:"pgp_public" db:"pgp_public"`
	IsActive  bool   `json:"-" db:"is_active"`
}

func (u *User) GetTableName() string {
	return "app_user"
}

// AsMember projects the user into a conversation member.
func (u *User) AsMember() Member {
	return Member{ID: u.ID, Username: u.Username, PGPPublic: u.PGPPublic}
}
