package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/controlplane"
)

var ErrNoUsableAccount = errors.New("no connected account with a usable credential")

// Mode tells the caller where an operation took effect.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// ControlPlane is the rule and run-state surface of the control plane.
type ControlPlane interface {
	ListRules(ctx context.Context, cred controlplane.Credential) (json.RawMessage, error)
	CreateRule(ctx context.Context, cred controlplane.Credential, rule any) (json.RawMessage, error)
	ToggleRule(ctx context.Context, cred controlplane.Credential, id string, enabled bool) (json.RawMessage, error)
	DeleteRule(ctx context.Context, cred controlplane.Credential, id string) error
	StartAutomation(ctx context.Context, cred controlplane.Credential, forceAccount string) (json.RawMessage, error)
	StopAutomation(ctx context.Context, cred controlplane.Credential) (json.RawMessage, error)
	AutomationStatus(ctx context.Context, cred controlplane.Credential) (json.RawMessage, error)
	RefreshToken(ctx context.Context, cred controlplane.Credential) error
	ActivateAccount(ctx context.Context, cred controlplane.Credential, username, userID string) (json.RawMessage, error)
}

// AccountLister reports the cached connected accounts.
type AccountLister interface {
	List() ([]accounts.ConnectedAccount, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	Now    func() time.Time
	NewID  func() string
}

// Administrator manages rules and the global run state. Every mutation is
// tried against the control plane first and applied to the local mirror
// when the control plane fails, except for credential rejections, which
// are returned to the caller.
type Administrator struct {
	remote   ControlPlane
	mirror   *Mirror
	accounts AccountLister
	logger   Logger
	now      func() time.Time
	newID    func() string
}

func NewAdministrator(remote ControlPlane, mirror *Mirror, accountList AccountLister, opts Options) *Administrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "rule_" + uuid.NewString() }
	}
	if mirror == nil {
		mirror = NewMirror(nil, opts.Now)
	}
	return &Administrator{
		remote:   remote,
		mirror:   mirror,
		accounts: accountList,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}
}

func (a *Administrator) Mirror() *Mirror {
	return a.mirror
}

// remoteFirst runs remote, falling back to local on any failure other than
// a rejected credential.
func remoteFirst[T any](a *Administrator, op string, remote func() (T, error), local func() (T, error)) (T, Mode, error) {
	value, err := remote()
	if err == nil {
		return value, ModeRemote, nil
	}
	var zero T
	if controlplane.IsAuthRejected(err) {
		return zero, ModeRemote, err
	}
	a.logf("%s: control plane failed, applying locally: %v", op, err)
	value, localErr := local()
	if localErr != nil {
		return zero, ModeLocal, fmt.Errorf("%s: %w", op, localErr)
	}
	return value, ModeLocal, nil
}

// List returns the control plane's rules and refreshes the mirror with
// them. An unreachable control plane or an empty remote list returns the
// mirror instead.
func (a *Administrator) List(ctx context.Context, cred controlplane.Credential) ([]AutomationRule, Mode, error) {
	raw, err := a.remote.ListRules(ctx, cred)
	if err == nil {
		var remoteRules []AutomationRule
		remoteRules, err = decodeRuleList(raw)
		if err == nil && len(remoteRules) > 0 {
			if saveErr := a.mirror.Replace(remoteRules); saveErr != nil {
				a.logf("list rules: refresh mirror: %v", saveErr)
			}
			return remoteRules, ModeRemote, nil
		}
	}
	if controlplane.IsAuthRejected(err) {
		return nil, ModeRemote, err
	}
	if err != nil {
		a.logf("list rules: control plane failed, serving mirror: %v", err)
	}
	local, mirrorErr := a.mirror.Rules()
	if mirrorErr != nil {
		return nil, ModeLocal, mirrorErr
	}
	if err == nil && len(local) == 0 {
		return local, ModeRemote, nil
	}
	return local, ModeLocal, nil
}

// Create validates spec before any network call, then creates the rule.
// Rules created locally get a generated id, start disabled and carry zero
// stats.
func (a *Administrator) Create(ctx context.Context, cred controlplane.Credential, spec RuleSpec) (AutomationRule, Mode, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Config = spec.Config.normalized()
	if err := Validate(spec); err != nil {
		return AutomationRule{}, "", err
	}
	return remoteFirst(a, "create rule",
		func() (AutomationRule, error) {
			raw, err := a.remote.CreateRule(ctx, cred, spec)
			if err != nil {
				return AutomationRule{}, err
			}
			rule, decodeErr := decodeRule(raw)
			if decodeErr != nil || rule.ID == "" {
				rule = a.ruleFromSpec(spec)
			}
			if rule.Name == "" {
				rule.Name = spec.Name
			}
			if rule.Type == "" {
				rule.Type = spec.Type
			}
			if err := a.mirror.Put(rule); err != nil {
				a.logf("create rule: mirror: %v", err)
			}
			return rule, nil
		},
		func() (AutomationRule, error) {
			rule := a.ruleFromSpec(spec)
			return rule, a.mirror.Put(rule)
		},
	)
}

// Toggle sets the enabled flag of a rule. Setting a rule to the state it
// already has succeeds.
func (a *Administrator) Toggle(ctx context.Context, cred controlplane.Credential, id string, enabled bool) (AutomationRule, Mode, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return AutomationRule{}, "", &ValidationError{Fields: []FieldError{{Field: "id", Message: "must not be empty"}}}
	}
	return remoteFirst(a, "toggle rule",
		func() (AutomationRule, error) {
			raw, err := a.remote.ToggleRule(ctx, cred, id, enabled)
			if err != nil {
				return AutomationRule{}, err
			}
			rule, mirrorErr := a.mirror.SetEnabled(id, enabled)
			if mirrorErr != nil {
				if remoteRule, decodeErr := decodeRule(raw); decodeErr == nil && remoteRule.ID != "" && remoteRule.Name != "" {
					rule = remoteRule
				} else {
					rule = AutomationRule{ID: id}
				}
				rule.Enabled = enabled
			}
			return rule, nil
		},
		func() (AutomationRule, error) {
			return a.mirror.SetEnabled(id, enabled)
		},
	)
}

func (a *Administrator) Delete(ctx context.Context, cred controlplane.Credential, id string) (Mode, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &ValidationError{Fields: []FieldError{{Field: "id", Message: "must not be empty"}}}
	}
	_, mode, err := remoteFirst(a, "delete rule",
		func() (struct{}, error) {
			if err := a.remote.DeleteRule(ctx, cred, id); err != nil {
				return struct{}{}, err
			}
			if err := a.mirror.Delete(id); err != nil && !errors.Is(err, ErrRuleNotFound) {
				a.logf("delete rule: mirror: %v", err)
			}
			return struct{}{}, nil
		},
		func() (struct{}, error) {
			return struct{}{}, a.mirror.Delete(id)
		},
	)
	return mode, err
}

// Start turns automation on. It refuses without contacting the control plane
// when no cached account has a usable credential.
func (a *Administrator) Start(ctx context.Context, cred controlplane.Credential) (Mode, error) {
	if _, err := a.usableAccounts(); err != nil {
		return "", err
	}
	_, mode, err := remoteFirst(a, "start automation",
		func() (struct{}, error) {
			if _, err := a.remote.StartAutomation(ctx, cred, ""); err != nil {
				return struct{}{}, err
			}
			if err := a.mirror.SetRunning(true); err != nil {
				a.logf("start automation: mirror: %v", err)
			}
			return struct{}{}, nil
		},
		func() (struct{}, error) {
			return struct{}{}, a.mirror.SetRunning(true)
		},
	)
	return mode, err
}

func (a *Administrator) Stop(ctx context.Context, cred controlplane.Credential) (Mode, error) {
	_, mode, err := remoteFirst(a, "stop automation",
		func() (struct{}, error) {
			if _, err := a.remote.StopAutomation(ctx, cred); err != nil {
				return struct{}{}, err
			}
			if err := a.mirror.SetRunning(false); err != nil {
				a.logf("stop automation: mirror: %v", err)
			}
			return struct{}{}, nil
		},
		func() (struct{}, error) {
			return struct{}{}, a.mirror.SetRunning(false)
		},
	)
	return mode, err
}

// Status derives the run-state view from the last-known rule set and the
// cached accounts. running comes from the control plane when it answers.
func (a *Administrator) Status(ctx context.Context, cred controlplane.Credential) (AutomationStatus, Mode, error) {
	rules, _, err := a.List(ctx, cred)
	if err != nil {
		return AutomationStatus{}, "", err
	}
	var connected []string
	if a.accounts != nil {
		cached, listErr := a.accounts.List()
		if listErr != nil {
			a.logf("automation status: list accounts: %v", listErr)
		}
		connected = accounts.Usernames(cached)
	}

	raw, err := a.remote.AutomationStatus(ctx, cred)
	if err == nil {
		if running, ok := decodeRunning(raw); ok {
			if saveErr := a.mirror.SetRunning(running); saveErr != nil {
				a.logf("automation status: mirror: %v", saveErr)
			}
			return deriveStatus(running, rules, connected, a.now), ModeRemote, nil
		}
	} else if controlplane.IsAuthRejected(err) {
		return AutomationStatus{}, ModeRemote, err
	} else {
		a.logf("automation status: control plane failed, using mirror: %v", err)
	}
	running, mirrorErr := a.mirror.Running()
	if mirrorErr != nil {
		return AutomationStatus{}, ModeLocal, mirrorErr
	}
	return deriveStatus(running, rules, connected, a.now), ModeLocal, nil
}

// Activation reports how an account was made ready for automation.
type Activation struct {
	Username string `json:"reddit_username"`
	Mode     Mode   `json:"mode"`
	Method   string `json:"method"`
}

// Activate readies a connected account for automation: it refreshes the
// upstream token, then asks the control plane to activate the account,
// falling back to starting automation pinned to it, and finally to marking
// it ready locally.
func (a *Administrator) Activate(ctx context.Context, cred controlplane.Credential, username string) (Activation, error) {
	usable, err := a.usableAccounts()
	if err != nil {
		return Activation{}, err
	}
	account, ok := findAccount(usable, username)
	if !ok {
		return Activation{}, fmt.Errorf("%w: %s", ErrNoUsableAccount, username)
	}
	userID := ""
	if !strings.EqualFold(account.ID, account.Username) {
		userID = account.ID
	}

	if err := a.remote.RefreshToken(ctx, cred); err != nil {
		if controlplane.IsAuthRejected(err) {
			return Activation{}, err
		}
		a.logf("activate %s: token refresh failed: %v", account.Username, err)
	}
	_, err = a.remote.ActivateAccount(ctx, cred, account.Username, userID)
	if err == nil {
		return Activation{Username: account.Username, Mode: ModeRemote, Method: "activate-account"}, nil
	}
	if controlplane.IsAuthRejected(err) {
		return Activation{}, err
	}
	a.logf("activate %s: activate-account failed: %v", account.Username, err)

	_, err = a.remote.StartAutomation(ctx, cred, account.Username)
	if err == nil {
		if saveErr := a.mirror.SetRunning(true); saveErr != nil {
			a.logf("activate %s: mirror: %v", account.Username, saveErr)
		}
		return Activation{Username: account.Username, Mode: ModeRemote, Method: "start"}, nil
	}
	a.logf("activate %s: forced start failed, marking ready locally: %v", account.Username, err)
	return Activation{Username: account.Username, Mode: ModeLocal, Method: "ready"}, nil
}

func (a *Administrator) usableAccounts() ([]accounts.ConnectedAccount, error) {
	if a.accounts == nil {
		return nil, ErrNoUsableAccount
	}
	cached, err := a.accounts.List()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUsableAccount, err)
	}
	now := a.now()
	usable := make([]accounts.ConnectedAccount, 0, len(cached))
	for _, account := range cached {
		if account.Usable(now) {
			usable = append(usable, account)
		}
	}
	if len(usable) == 0 {
		return nil, ErrNoUsableAccount
	}
	return usable, nil
}

func (a *Administrator) ruleFromSpec(spec RuleSpec) AutomationRule {
	now := a.now().UTC()
	return AutomationRule{
		ID:        a.newID(),
		Name:      spec.Name,
		Type:      spec.Type,
		Enabled:   false,
		Config:    spec.Config,
		Stats:     RuleStats{},
		UpdatedAt: &now,
	}
}

func (a *Administrator) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func findAccount(list []accounts.ConnectedAccount, username string) (accounts.ConnectedAccount, bool) {
	username = strings.TrimSpace(username)
	if username == "" && len(list) == 1 {
		return list[0], true
	}
	for _, account := range list {
		if strings.EqualFold(account.Username, username) {
			return account, true
		}
	}
	return accounts.ConnectedAccount{}, false
}

func decodeRuleList(raw json.RawMessage) ([]AutomationRule, error) {
	if len(raw) == 0 {
		return []AutomationRule{}, nil
	}
	var list []AutomationRule
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Rules []AutomationRule `json:"rules"`
		Data  json.RawMessage  `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode rule list: %w", err)
	}
	if wrapped.Rules != nil {
		return wrapped.Rules, nil
	}
	if len(wrapped.Data) > 0 && string(wrapped.Data) != "null" {
		return decodeRuleList(wrapped.Data)
	}
	return []AutomationRule{}, nil
}

func decodeRule(raw json.RawMessage) (AutomationRule, error) {
	var wrapped struct {
		Rule *AutomationRule `json:"rule"`
		Data *AutomationRule `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if wrapped.Rule != nil && wrapped.Rule.ID != "" {
			return *wrapped.Rule, nil
		}
		if wrapped.Data != nil && wrapped.Data.ID != "" {
			return *wrapped.Data, nil
		}
	}
	var rule AutomationRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return AutomationRule{}, fmt.Errorf("decode rule: %w", err)
	}
	return rule, nil
}

// decodeRunning reads running from data.running, is_running or running.
func decodeRunning(raw json.RawMessage) (bool, bool) {
	var payload struct {
		Running   *bool `json:"running"`
		IsRunning *bool `json:"is_running"`
		Data      *struct {
			Running   *bool `json:"running"`
			IsRunning *bool `json:"is_running"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, false
	}
	if payload.Data != nil {
		if payload.Data.Running != nil {
			return *payload.Data.Running, true
		}
		if payload.Data.IsRunning != nil {
			return *payload.Data.IsRunning, true
		}
	}
	if payload.IsRunning != nil {
		return *payload.IsRunning, true
	}
	if payload.Running != nil {
		return *payload.Running, true
	}
	return false, false
}
