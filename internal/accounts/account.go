package accounts

import (
	"strings"
	"time"
)

type Platform string

const (
	PlatformReddit    Platform = "reddit"
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformOther     Platform = "other"
)

// ParsePlatform maps an upstream platform name onto the known set. An empty
// name is reddit, the only platform the control plane reports today.
func ParsePlatform(name string) Platform {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "reddit":
		return PlatformReddit
	case "twitter", "x":
		return PlatformTwitter
	case "instagram":
		return PlatformInstagram
	case "facebook":
		return PlatformFacebook
	case "linkedin":
		return PlatformLinkedIn
	default:
		return PlatformOther
	}
}

// ConnectedAccount is one external account the user has authorised. ID is
// whatever the source reported and is not stable across sources; identity is
// the natural key.
type ConnectedAccount struct {
	ID             string     `json:"id"`
	Platform       Platform   `json:"platform"`
	Username       string     `json:"username"`
	Label          string     `json:"label,omitempty"`
	Refreshable    bool       `json:"refreshable,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// NaturalKey identifies one real external account.
type NaturalKey struct {
	Platform Platform
	Username string
}

func (k NaturalKey) String() string {
	return string(k.Platform) + "/" + k.Username
}

func (a ConnectedAccount) Key() NaturalKey {
	return NaturalKey{
		Platform: ParsePlatform(string(a.Platform)),
		Username: strings.ToLower(strings.TrimSpace(a.Username)),
	}
}

// Usable reports whether the account's upstream token can still be used at
// now: either it can be refreshed, or it has not expired. Accounts reported
// without any token metadata are assumed usable.
func (a ConnectedAccount) Usable(now time.Time) bool {
	if a.Refreshable || a.TokenExpiresAt == nil {
		return true
	}
	return a.TokenExpiresAt.After(now)
}

func (a ConnectedAccount) hasTokenMetadata() bool {
	return a.Refreshable || a.TokenExpiresAt != nil
}

func (a ConnectedAccount) canonical() ConnectedAccount {
	a.Username = strings.TrimSpace(a.Username)
	a.Platform = ParsePlatform(string(a.Platform))
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		a.ID = a.Username
	}
	return a
}

// Dedupe collapses accounts sharing a natural key. The last occurrence wins
// and takes the position of the first.
func Dedupe(accounts []ConnectedAccount) []ConnectedAccount {
	out := make([]ConnectedAccount, 0, len(accounts))
	index := make(map[NaturalKey]int, len(accounts))
	for _, account := range accounts {
		key := account.Key()
		if pos, ok := index[key]; ok {
			out[pos] = account
			continue
		}
		index[key] = len(out)
		out = append(out, account)
	}
	return out
}

// Usernames lists the usernames of accounts in order.
func Usernames(accounts []ConnectedAccount) []string {
	names := make([]string, 0, len(accounts))
	for _, account := range accounts {
		names = append(names, account.Username)
	}
	return names
}
