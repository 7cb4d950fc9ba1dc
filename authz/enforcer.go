// Package authz implements hierarchy.AccessControl with a Casbin RBAC
// enforcer.
package authz

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/jacentio/gachar/hierarchy"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Object is the Casbin object for location actions.
const Object = "location"

// Config holds configuration for the enforcer.
type Config struct {
	// ModelPath is the path to the Casbin model file.
	// If empty, uses embedded model.
	ModelPath string

	// PolicyPath is the path to the Casbin policy file.
	// If empty, uses embedded policy.
	PolicyPath string
}

// Enforcer wraps a Casbin SyncedEnforcer.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
}

var _ hierarchy.AccessControl = (*Enforcer)(nil)

// NewEnforcer loads the model and policy, falling back to the embedded ones.
func NewEnforcer(cfg Config) (*Enforcer, error) {
	var (
		m   model.Model
		err error
	)
	if cfg.ModelPath != "" {
		m, err = model.NewModelFromFile(cfg.ModelPath)
	} else {
		m, err = model.NewModelFromString(embeddedModel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" {
		if _, statErr := os.Stat(cfg.PolicyPath); statErr != nil {
			return nil, fmt.Errorf("policy file: %w", statErr)
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadEmbeddedPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	return &Enforcer{enforcer: enforcer}, nil
}

// loadEmbeddedPolicy parses and loads the embedded policy CSV.
func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		ptype, rule := parts[0], parts[1:]

		switch {
		case ptype == "p" && len(rule) == 3:
			if _, err := enforcer.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
				return fmt.Errorf("failed to add policy %v: %w", rule, err)
			}
		case ptype == "g" && len(rule) == 2:
			if _, err := enforcer.AddGroupingPolicy(rule[0], rule[1]); err != nil {
				return fmt.Errorf("failed to add grouping policy %v: %w", rule, err)
			}
		default:
			return fmt.Errorf("malformed policy line %q", line)
		}
	}
	return nil
}

// IsAuthorized allows the action if the caller id or any of its roles is
// granted it.
func (e *Enforcer) IsAuthorized(_ context.Context, caller hierarchy.Caller, action hierarchy.Action) (bool, error) {
	subjects := append([]string{caller.ID}, caller.Roles...)
	for _, sub := range subjects {
		if sub == "" {
			continue
		}
		allowed, err := e.enforcer.Enforce(sub, Object, string(action))
		if err != nil {
			return false, fmt.Errorf("enforcement failed: %w", err)
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// AddRoleForUser assigns a role to a user.
func (e *Enforcer) AddRoleForUser(user, role string) (bool, error) {
	added, err := e.enforcer.AddGroupingPolicy(user, role)
	if err != nil {
		return false, fmt.Errorf("failed to add role: %w", err)
	}
	return added, nil
}

// RolesForUser returns the roles directly assigned to user.
func (e *Enforcer) RolesForUser(user string) ([]string, error) {
	return e.enforcer.GetRolesForUser(user)
}
