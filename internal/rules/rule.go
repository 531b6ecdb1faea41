package rules

import (
	"sort"
	"strings"
	"time"
)

type RuleType string

const (
	TypeAutoComment    RuleType = "auto_comment"
	TypeAutoUpvote     RuleType = "auto_upvote"
	TypeAutoFollow     RuleType = "auto_follow"
	TypeContentMonitor RuleType = "content_monitor"
)

var ruleTypes = []RuleType{TypeAutoComment, TypeAutoUpvote, TypeAutoFollow, TypeContentMonitor}

func (t RuleType) Valid() bool {
	for _, known := range ruleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Conditions narrow which posts a rule acts on.
type Conditions struct {
	MinUpvotes      int      `json:"min_upvotes"`
	MaxAgeHours     int      `json:"max_age_hours"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
}

func (c Conditions) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// RuleConfig is the pacing and targeting of a rule. Delays are whole seconds
// on the wire. A zero DailyLimit means no daily cap.
type RuleConfig struct {
	Subreddits       []string   `json:"subreddits"`
	Keywords         []string   `json:"keywords"`
	CommentTemplates []string   `json:"comment_templates,omitempty"`
	DelayMin         int        `json:"delay_min"`
	DelayMax         int        `json:"delay_max"`
	DailyLimit       int        `json:"daily_limit"`
	Conditions       Conditions `json:"conditions"`
}

func (c RuleConfig) MinDelay() time.Duration {
	return time.Duration(c.DelayMin) * time.Second
}

func (c RuleConfig) MaxDelay() time.Duration {
	return time.Duration(c.DelayMax) * time.Second
}

// normalized returns c with set-valued fields deduplicated. Subreddit names
// lose a leading "r/" and compare case-insensitively; comment templates keep
// their order.
func (c RuleConfig) normalized() RuleConfig {
	c.Subreddits = normalizeSet(c.Subreddits, func(s string) string {
		return strings.TrimPrefix(strings.TrimPrefix(s, "/"), "r/")
	})
	c.Keywords = normalizeSet(c.Keywords, nil)
	c.Conditions.ExcludeKeywords = normalizeSet(c.Conditions.ExcludeKeywords, nil)
	if len(c.Conditions.ExcludeKeywords) == 0 {
		c.Conditions.ExcludeKeywords = nil
	}
	templates := make([]string, 0, len(c.CommentTemplates))
	for _, template := range c.CommentTemplates {
		if strings.TrimSpace(template) != "" {
			templates = append(templates, template)
		}
	}
	if len(templates) == 0 {
		templates = nil
	}
	c.CommentTemplates = templates
	return c
}

func normalizeSet(values []string, clean func(string) string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if clean != nil {
			value = strings.TrimSpace(clean(value))
		}
		if value == "" {
			continue
		}
		key := strings.ToLower(value)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}
	return out
}

// RuleStats is written by the execution worker only.
type RuleStats struct {
	TotalActions uint       `json:"total_actions"`
	ActionsToday uint       `json:"actions_today"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	SuccessRate  float64    `json:"success_rate"`
}

type AutomationRule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      RuleType   `json:"type"`
	Enabled   bool       `json:"enabled"`
	Config    RuleConfig `json:"config"`
	Stats     RuleStats  `json:"stats"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// RuleSpec is what a user submits to create a rule.
type RuleSpec struct {
	Name   string     `json:"name"`
	Type   RuleType   `json:"type"`
	Config RuleConfig `json:"config"`
}

// AutomationStatus is the derived run-state view. ActiveRuleCount always
// equals the number of enabled rules in the last-known rule set.
type AutomationStatus struct {
	Running           bool         `json:"running"`
	ActiveRuleCount   uint         `json:"active_rule_count"`
	ActionsToday      uint         `json:"actions_today"`
	ConnectedAccounts []string     `json:"connected_accounts"`
	Pacing            []RulePacing `json:"pacing"`
}

// RulePacing is the budget an enabled rule has left today. RemainingToday is
// -1 when the rule has no daily cap.
type RulePacing struct {
	RuleID           string `json:"rule_id"`
	RemainingToday   int    `json:"remaining_today"`
	NextDelaySeconds int64  `json:"next_delay_seconds"`
}

func deriveStatus(running bool, rules []AutomationRule, connected []string, now func() time.Time) AutomationStatus {
	status := AutomationStatus{Running: running, ConnectedAccounts: connected, Pacing: []RulePacing{}}
	if status.ConnectedAccounts == nil {
		status.ConnectedAccounts = []string{}
	}
	for _, rule := range rules {
		if rule.Enabled {
			status.ActiveRuleCount++
			pacer := PacerFor(rule, now)
			status.Pacing = append(status.Pacing, RulePacing{
				RuleID:           rule.ID,
				RemainingToday:   pacer.Remaining(),
				NextDelaySeconds: int64(pacer.NextDelay() / time.Second),
			})
		}
		status.ActionsToday += rule.Stats.ActionsToday
	}
	return status
}

func sortedRuleTypes() []string {
	out := make([]string, 0, len(ruleTypes))
	for _, t := range ruleTypes {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
