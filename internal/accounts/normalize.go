package accounts

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Matcher extracts accounts from one known status payload shape. It returns
// nil when the payload is not in its shape.
type Matcher struct {
	Name  string
	Match func(payload map[string]any) []ConnectedAccount
}

// DefaultMatchers is the observed precedence of upstream status shapes. The
// first matcher yielding a non-empty result wins.
var DefaultMatchers = []Matcher{
	{Name: "accounts", Match: matchAccountList},
	{Name: "reddit_accounts", Match: matchRedditAccountList},
	{Name: "reddit.username", Match: matchRedditObject},
	{Name: "connected", Match: matchConnectedStatus},
	{Name: "token_metadata", Match: matchTokenMetadata},
	{Name: "username", Match: matchNestedUsername()},
	{Name: "user.username", Match: matchNestedUsername("user")},
	{Name: "data.username", Match: matchNestedUsername("data")},
}

type Normalizer struct {
	matchers []Matcher
}

func NewNormalizer(matchers ...Matcher) *Normalizer {
	if len(matchers) == 0 {
		matchers = DefaultMatchers
	}
	return &Normalizer{matchers: append([]Matcher(nil), matchers...)}
}

// Normalize turns a raw status payload into canonical accounts. A payload no
// matcher recognises yields an empty, non-nil slice.
func Normalize(raw []byte) []ConnectedAccount {
	return NewNormalizer().Normalize(raw)
}

func (n *Normalizer) Normalize(raw []byte) []ConnectedAccount {
	payload, ok := decodeObject(raw)
	if !ok {
		return []ConnectedAccount{}
	}
	accounts, _ := n.NormalizeObject(payload)
	return accounts
}

// NormalizeObject is Normalize over an already decoded payload. It also
// returns the name of the matcher that produced the result.
func (n *Normalizer) NormalizeObject(payload map[string]any) ([]ConnectedAccount, string) {
	for _, matcher := range n.matchers {
		if matcher.Match == nil {
			continue
		}
		found := matcher.Match(payload)
		if len(found) == 0 {
			continue
		}
		out := make([]ConnectedAccount, 0, len(found))
		for _, account := range found {
			account = account.canonical()
			if account.Username == "" {
				continue
			}
			out = append(out, account)
		}
		if len(out) > 0 {
			return out, matcher.Name
		}
	}
	return []ConnectedAccount{}, ""
}

func decodeObject(raw []byte) (map[string]any, bool) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		return nil, false
	}
	return payload, true
}

func matchAccountList(payload map[string]any) []ConnectedAccount {
	var out []ConnectedAccount
	for _, item := range listField(payload, "accounts") {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, ConnectedAccount{
			ID:       stringField(entry, "id"),
			Platform: ParsePlatform(stringField(entry, "platform")),
			Username: stringField(entry, "username"),
			Label:    stringField(entry, "label"),
		})
	}
	return out
}

func matchRedditAccountList(payload map[string]any) []ConnectedAccount {
	var out []ConnectedAccount
	for _, item := range listField(payload, "reddit_accounts") {
		switch entry := item.(type) {
		case string:
			out = append(out, redditAccount(entry, ""))
		case map[string]any:
			account := redditAccount(stringField(entry, "username"), stringField(entry, "id"))
			account.Label = stringField(entry, "label")
			applyTokenMetadata(&account, entry)
			out = append(out, account)
		}
	}
	return out
}

func matchRedditObject(payload map[string]any) []ConnectedAccount {
	reddit, ok := payload["reddit"].(map[string]any)
	if !ok {
		return nil
	}
	username := stringField(reddit, "username")
	if username == "" {
		return nil
	}
	account := redditAccount(username, "")
	applyTokenMetadata(&account, reddit)
	return []ConnectedAccount{account}
}

func matchConnectedStatus(payload map[string]any) []ConnectedAccount {
	connected, _ := payload["connected"].(bool)
	username := stringField(payload, "reddit_username")
	if !connected || username == "" {
		return nil
	}
	account := redditAccount(username, stringField(payload, "reddit_user_id"))
	applyTokenMetadata(&account, payload)
	return []ConnectedAccount{account}
}

// matchTokenMetadata ignores the connected flag: upstream reports
// connected=false for accounts that still hold a valid token.
func matchTokenMetadata(payload map[string]any) []ConnectedAccount {
	username := stringField(payload, "reddit_username")
	if username == "" {
		return nil
	}
	hasRefresh, _ := payload["has_refresh_token"].(bool)
	if !hasRefresh && !present(payload, "token_expires_at") {
		return nil
	}
	account := redditAccount(username, stringField(payload, "reddit_user_id"))
	applyTokenMetadata(&account, payload)
	return []ConnectedAccount{account}
}

func matchNestedUsername(path ...string) func(map[string]any) []ConnectedAccount {
	return func(payload map[string]any) []ConnectedAccount {
		current := payload
		for _, key := range path {
			next, ok := current[key].(map[string]any)
			if !ok {
				return nil
			}
			current = next
		}
		username := stringField(current, "username")
		if username == "" {
			return nil
		}
		return []ConnectedAccount{redditAccount(username, "")}
	}
}

func redditAccount(username, id string) ConnectedAccount {
	username = strings.TrimSpace(username)
	id = strings.TrimSpace(id)
	if id == "" {
		id = username
	}
	return ConnectedAccount{ID: id, Platform: PlatformReddit, Username: username}
}

func applyTokenMetadata(account *ConnectedAccount, payload map[string]any) {
	if refreshable, ok := payload["has_refresh_token"].(bool); ok {
		account.Refreshable = refreshable
	}
	if expiresAt, ok := timeField(payload, "token_expires_at"); ok {
		account.TokenExpiresAt = &expiresAt
	}
}

func present(payload map[string]any, key string) bool {
	switch value := payload[key].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(value) != ""
	case bool:
		return value
	default:
		return true
	}
}

func listField(payload map[string]any, key string) []any {
	items, _ := payload[key].([]any)
	return items
}

// stringField reads strings and numeric ids; anything else is "".
func stringField(payload map[string]any, key string) string {
	switch value := payload[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

// timeField accepts RFC 3339 strings and unix timestamps in seconds.
func timeField(payload map[string]any, key string) (time.Time, bool) {
	switch value := payload[key].(type) {
	case string:
		value = strings.TrimSpace(value)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, value); err == nil {
				return parsed.UTC(), true
			}
		}
		if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Unix(seconds, 0).UTC(), true
		}
	case json.Number:
		if seconds, err := value.Int64(); err == nil {
			return time.Unix(seconds, 0).UTC(), true
		}
		if seconds, err := value.Float64(); err == nil {
			return time.Unix(int64(seconds), 0).UTC(), true
		}
	}
	return time.Time{}, false
}
