package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// URIScheme prefixes every shareable profile link.
const URIScheme = "slipstream://"

type profileWire struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Resolver         string `json:"resolver"`
	Domain           string `json:"domain"`
	SocksAuthEnabled *bool  `json:"socksAuthEnabled,omitempty"`
	Username         string `json:"username"`
	Password         string `json:"password"`
}

// EncodeProfileURI renders a profile as slipstream://<base64url(JSON)>.
func EncodeProfileURI(p Profile) (string, error) {
	auth := p.SocksAuthEnabled
	data, err := json.Marshal(profileWire{
		ID:               p.ID,
		Name:             p.Name,
		Resolver:         p.Resolver,
		Domain:           p.Domain,
		SocksAuthEnabled: &auth,
		Username:         p.Username,
		Password:         p.Password,
	})
	if err != nil {
		return "", fmt.Errorf("[Core] encode profile: %w", err)
	}
	return URIScheme + base64.URLEncoding.EncodeToString(data), nil
}

// DecodeProfileURI parses a slipstream:// link. Missing optional fields get
// defaults; a missing domain is an error.
func DecodeProfileURI(uri string) (Profile, error) {
	s := strings.TrimSpace(uri)
	if !strings.HasPrefix(s, URIScheme) {
		return Profile{}, fmt.Errorf("[Core] not a %s link", URIScheme)
	}
	payload := strings.TrimRight(strings.TrimPrefix(s, URIScheme), "=")
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Profile{}, fmt.Errorf("[Core] decode profile link: %w", err)
	}

	var w profileWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Profile{}, fmt.Errorf("[Core] parse profile link: %w", err)
	}
	if w.Domain == "" {
		return Profile{}, fmt.Errorf("[Core] profile link has no domain")
	}

	p := Profile{
		ID:               w.ID,
		Name:             w.Name,
		Resolver:         w.Resolver,
		Domain:           w.Domain,
		SocksAuthEnabled: true,
		Username:         w.Username,
		Password:         w.Password,
	}
	if w.SocksAuthEnabled != nil {
		p.SocksAuthEnabled = *w.SocksAuthEnabled
	}
	if p.ID == "" {
		p.ID = NewProfileID()
	}
	if p.Name == "" {
		p.Name = "Imported"
	}
	if p.Resolver == "" {
		p.Resolver = DefaultResolver
	}
	return p, nil
}

// ExtractProfileURI finds the first slipstream:// link in free text, e.g. a
// pasted chat message.
func ExtractProfileURI(text string) (string, bool) {
	idx := strings.Index(text, URIScheme)
	if idx < 0 {
		return "", false
	}
	sub := text[idx:]
	if end := strings.IndexFunc(sub, unicode.IsSpace); end > 0 {
		sub = sub[:end]
	}
	return sub, true
}

// NewProfileID returns a fresh profile identifier.
func NewProfileID() string {
	return "cfg_" + uuid.NewString()
}
