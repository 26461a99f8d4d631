package identity

// Flags are the persisted user flags.
type Flags struct {
	Guest  bool `json:"guest"`
	Online bool `json:"online"`
}

// DatabaseUser is the persisted projection of a User.
type DatabaseUser struct {
	ID      string               `json:"_id"`
	OpenID  map[Provider]Subject `json:"openId"`
	Name    string               `json:"name"`
	Avatar  string               `json:"avatar"`
	Email   string               `json:"email"`
	Devices []Device             `json:"devices"`
	Flags   Flags                `json:"flags"`
}

// Record projects the user for persistence. The compact form keeps subject
// ids only; the full form retains raw provider claims.
func (u *User) Record(compact bool) DatabaseUser {
	subjects := make(map[Provider]Subject, len(u.Subjects))
	for p, s := range u.Subjects {
		if compact {
			subjects[p] = Subject{Provider: s.Provider, ID: s.ID}
			continue
		}
		subjects[p] = Subject{Provider: s.Provider, ID: s.ID, Claims: cloneClaims(s.Claims)}
	}
	return DatabaseUser{
		ID:      u.ID,
		OpenID:  subjects,
		Name:    u.DisplayName,
		Avatar:  u.AvatarURL,
		Email:   u.PrimaryEmail,
		Devices: append([]Device(nil), u.Devices...),
		Flags:   Flags{Guest: u.Guest, Online: u.Online},
	}
}

// FromRecord rebuilds a User from its persisted projection.
func FromRecord(r DatabaseUser) *User {
	u := &User{
		ID:           r.ID,
		DisplayName:  r.Name,
		AvatarURL:    r.Avatar,
		PrimaryEmail: r.Email,
		Subjects:     make(map[Provider]Subject, len(r.OpenID)),
		Devices:      append([]Device(nil), r.Devices...),
		Guest:        r.Flags.Guest,
		Online:       r.Flags.Online,
	}
	for p, s := range r.OpenID {
		u.Subjects[p] = Subject{Provider: s.Provider, ID: s.ID, Claims: cloneClaims(s.Claims)}
	}
	return u
}
