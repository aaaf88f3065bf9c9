package domain

// Principal is the authenticated caller of a request
type Principal struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`

	IsReadUser  bool `json:"isReadUser"`
	IsWriteUser bool `json:"isWriteUser"`
	IsAdmin     bool `json:"isAdmin"`
}

// CanRead reports whether the caller may read balises. Writers and admins
// can always read.
func (p Principal) CanRead() bool {
	return p.IsReadUser || p.IsWriteUser || p.IsAdmin
}

// CanWrite reports whether the caller may mutate balises at all, regardless
// of lock state.
func (p Principal) CanWrite() bool {
	return p.IsWriteUser || p.IsAdmin
}
