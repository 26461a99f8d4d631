package identity

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrMissingSubject = errors.New("identity: provider claims carry no subject")
	ErrLocalProvider  = errors.New("identity: local provider has no external claims")
)

// FromProviderClaims maps a provider's raw claims to a subject and the profile
// fields that provider supplies.
func FromProviderClaims(p Provider, c Claims) (Subject, ProfileFields, error) {
	var (
		sub string
		f   ProfileFields
	)
	switch p {
	case ProviderLocal:
		return Subject{}, ProfileFields{}, ErrLocalProvider
	case ProviderGoogle:
		sub = str(c, "sub")
		f = ProfileFields{Name: str(c, "name"), Email: str(c, "email"), Avatar: str(c, "picture")}
	case ProviderMicrosoft:
		sub = str(c, "sub")
		f = ProfileFields{Name: str(c, "name"), Email: str(c, "email")}
	case ProviderTwitch:
		sub = str(c, "sub")
		f = ProfileFields{Name: str(c, "preferred_username"), Email: str(c, "email"), Avatar: str(c, "picture")}
	case ProviderSteam:
		sub = str(c, "steamid")
		f = ProfileFields{Name: str(c, "personaname"), Avatar: str(c, "avatarfull")}
	case ProviderFacebook:
		sub = str(c, "id")
		f = ProfileFields{Name: str(c, "name"), Avatar: facebookPicture(c)}
	default:
		sub = str(c, "sub")
		name := str(c, "name")
		if name == "" {
			name = str(c, "preferred_username")
		}
		f = ProfileFields{Name: name, Email: str(c, "email"), Avatar: str(c, "picture")}
	}
	if sub == "" {
		return Subject{}, ProfileFields{}, fmt.Errorf("%w: %s", ErrMissingSubject, p)
	}
	return Subject{Provider: p, ID: sub, Claims: c}, f, nil
}

// str reads a claim as a string. Numeric ids may arrive as float64 or
// json.Number.
func str(c Claims, key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// facebookPicture reads picture.data.url from a Graph /me response.
func facebookPicture(c Claims) string {
	pic, ok := c["picture"].(map[string]any)
	if !ok {
		return ""
	}
	data, ok := pic["data"].(map[string]any)
	if !ok {
		return ""
	}
	url, _ := data["url"].(string)
	return url
}
