package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteActionTable is returned when a severity has no configured action.
var ErrIncompleteActionTable = errors.New("action table does not map every severity")

// ActionTable maps an aggregated severity to the configured action.
type ActionTable map[Severity]Action

// DefaultActionTable returns the built-in severity → action mapping.
func DefaultActionTable() ActionTable {
	return ActionTable{
		SeveritySafe:     ActionAllow,
		SeverityLow:      ActionLog,
		SeverityMedium:   ActionWarn,
		SeverityHigh:     ActionBlock,
		SeverityCritical: ActionBlockNotify,
	}
}

// ParseActionTable builds a table from configuration strings
// (e.g. {"high": "block"}). Entries missing from raw keep their default.
func ParseActionTable(raw map[string]string) (ActionTable, error) {
	table := DefaultActionTable()
	for sevName, actName := range raw {
		sev, err := ParseSeverity(sevName)
		if err != nil {
			return nil, fmt.Errorf("ParseActionTable: %w", err)
		}
		act, err := ParseAction(actName)
		if err != nil {
			return nil, fmt.Errorf("ParseActionTable: severity %s: %w", sev, err)
		}
		table[sev] = act
	}
	return table, table.Validate()
}

// Validate checks that every severity maps to a known action.
func (t ActionTable) Validate() error {
	var missing []string
	for _, sev := range Severities {
		act, ok := t[sev]
		if !ok {
			missing = append(missing, sev.String())
			continue
		}
		if _, known := actionNames[act]; !known {
			return fmt.Errorf("severity %s maps to unknown action %d", sev, act)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteActionTable, strings.Join(missing, ", "))
	}
	return nil
}

// DecisionInput is everything the action engine looks at.
type DecisionInput struct {
	Identity    string
	Severity    Severity
	State       LimitState
	Blocklisted bool
}

// Decision is the action engine's output.
type Decision struct {
	Action Action
	Reason string
	Notify bool
}

// ActionEngine turns severity and identity state into an enforcement action.
type ActionEngine struct {
	table     ActionTable
	overrides map[string]bool
}

// NewActionEngine validates the table and returns an engine. Override
// identities are exempt from detection (but not from the blocklist).
func NewActionEngine(table ActionTable, overrides []string) (*ActionEngine, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("NewActionEngine: %w", err)
	}
	own := make(ActionTable, len(table))
	for k, v := range table {
		own[k] = v
	}
	ov := make(map[string]bool, len(overrides))
	for _, id := range overrides {
		if id = strings.TrimSpace(id); id != "" {
			ov[id] = true
		}
	}
	return &ActionEngine{table: own, overrides: ov}, nil
}

// IsOverride reports whether identity is an owner/override identity.
func (e *ActionEngine) IsOverride(identity string) bool {
	return e.overrides[identity]
}

// Decide applies the decision precedence:
//  1. Blocklisted or locked-out identity → BLOCK
//  2. Override identity → ALLOW
//  3. Configured action for the severity
//  4. Throttled escalates ALLOW/LOG to WARN (never downgrades)
func (e *ActionEngine) Decide(in DecisionInput) Decision {
	if in.Blocklisted {
		return Decision{Action: ActionBlock, Reason: "identity is blocklisted"}
	}
	if in.State == StateLockedOut {
		return Decision{Action: ActionBlock, Reason: "identity is locked out"}
	}
	if e.IsOverride(in.Identity) {
		return Decision{Action: ActionAllow, Reason: "override identity"}
	}

	d := Decision{Action: e.table[in.Severity]}
	if in.Severity > SeveritySafe {
		d.Reason = "severity " + in.Severity.String()
	}

	if in.State == StateThrottled && d.Action < ActionWarn {
		d.Action = ActionWarn
		d.Reason = "rate limit exceeded"
	}

	d.Notify = d.Action == ActionBlockNotify
	return d
}
