// Package identity holds the user model shared by the gateway, the stores and
// the presence broadcaster.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Provider names an identity source. Values match the provider ids used in
// the catalog and in callback routes.
type Provider string

const (
	ProviderLocal      Provider = "local"
	ProviderGoogle     Provider = "google"
	ProviderMicrosoft  Provider = "microsoft"
	ProviderPayPal     Provider = "paypal"
	ProviderSalesforce Provider = "salesforce"
	ProviderYahoo      Provider = "yahoo"
	ProviderPhantAuth  Provider = "phantauth"
	ProviderFacebook   Provider = "facebook"
	ProviderSteam      Provider = "steam"
	ProviderTwitch     Provider = "twitch"
)

// Claims is the raw claim set returned by a provider.
type Claims map[string]any

// Subject links a user to one provider account.
type Subject struct {
	Provider Provider `json:"provider"`
	ID       string   `json:"sub"`
	Claims   Claims   `json:"claims,omitempty"`
}

// Device is an issued resume token together with the client metadata seen
// when it was issued.
type Device struct {
	Token    string    `json:"token"`
	Provider Provider  `json:"service"`
	IssuedAt time.Time `json:"time"`
	Addr     string    `json:"addr"`
	Agent    string    `json:"agent"`
}

// Profile is the public view of a user sent over the session channel.
type Profile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	IsGuest  bool   `json:"isGuest"`
	IsOnline bool   `json:"isOnline"`
}

// ProfileFields are the optional profile values a provider may supply.
type ProfileFields struct {
	Name   string
	Avatar string
	Email  string
}

// User is a guest or registered identity.
type User struct {
	ID           string
	DisplayName  string
	AvatarURL    string
	PrimaryEmail string
	Subjects     map[Provider]Subject
	Devices      []Device
	Guest        bool
	Online       bool
}

// NewGuest creates a guest identity with the given display name.
func NewGuest(name string) *User {
	return &User{
		ID:          uuid.NewString(),
		DisplayName: name,
		Subjects:    make(map[Provider]Subject),
		Guest:       true,
	}
}

// NewFromLogin creates a registered identity seeded from a provider login.
func NewFromLogin(s Subject, f ProfileFields) *User {
	u := &User{
		ID:       uuid.NewString(),
		Subjects: make(map[Provider]Subject),
	}
	u.Link(s, f)
	return u
}

// Link attaches a provider subject to the user and folds in the profile
// fields. Subjects from other providers are kept. A guest's placeholder
// profile is replaced; a registered user only has empty fields filled.
func (u *User) Link(s Subject, f ProfileFields) {
	if u.Subjects == nil {
		u.Subjects = make(map[Provider]Subject)
	}
	u.Subjects[s.Provider] = s

	replace := u.Guest
	if f.Name != "" && (replace || u.DisplayName == "") {
		u.DisplayName = f.Name
	}
	if f.Avatar != "" && (replace || u.AvatarURL == "") {
		u.AvatarURL = f.Avatar
	}
	if f.Email != "" && (replace || u.PrimaryEmail == "") {
		u.PrimaryEmail = f.Email
	}
	u.Guest = false
}

// Unlink removes the subject held for provider. It reports whether one was
// present.
func (u *User) Unlink(p Provider) bool {
	if _, ok := u.Subjects[p]; !ok {
		return false
	}
	delete(u.Subjects, p)
	return true
}

// SubjectID returns the subject id held for provider, or "".
func (u *User) SubjectID(p Provider) string {
	return u.Subjects[p].ID
}

// Profile returns the public view of the user.
func (u *User) Profile() Profile {
	return Profile{
		ID:       u.ID,
		Name:     u.DisplayName,
		Avatar:   u.AvatarURL,
		IsGuest:  u.Guest,
		IsOnline: u.Online,
	}
}

// AddDevice appends a device record.
func (u *User) AddDevice(d Device) {
	u.Devices = append(u.Devices, d)
}

// Device returns the device holding token.
func (u *User) Device(token string) (Device, bool) {
	for _, d := range u.Devices {
		if d.Token == token {
			return d, true
		}
	}
	return Device{}, false
}

// RevokeToken removes every device holding token and reports how many were
// removed.
func (u *User) RevokeToken(token string) int {
	return u.revoke(func(d Device) bool { return d.Token == token })
}

// RevokeProvider removes every device issued through provider.
func (u *User) RevokeProvider(p Provider) int {
	return u.revoke(func(d Device) bool { return d.Provider == p })
}

func (u *User) revoke(match func(Device) bool) int {
	kept := u.Devices[:0]
	removed := 0
	for _, d := range u.Devices {
		if match(d) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	u.Devices = kept
	return removed
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	c.Subjects = make(map[Provider]Subject, len(u.Subjects))
	for p, s := range u.Subjects {
		c.Subjects[p] = Subject{Provider: s.Provider, ID: s.ID, Claims: cloneClaims(s.Claims)}
	}
	c.Devices = append([]Device(nil), u.Devices...)
	return &c
}

func cloneClaims(c Claims) Claims {
	if c == nil {
		return nil
	}
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
