// Package authz gates every mutation with two independent stages: a static
// capability table (role x action x resource) and, for resources that
// register them, relational rules evaluated against related collections.
// The split exists because "can a guest ever update a board" and "can this
// guest update this board" evolve independently.
package authz

import (
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed matrix.yaml
var matrixYaml []byte

const Wildcard = "all"

type Capability struct {
	Roles     []string `yaml:"roles"`
	Actions   []string `yaml:"actions"`
	Resources []string `yaml:"resources"`
}

type capabilityMatrix struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// FieldSource resolves a document's payload fields; collections implement it.
type FieldSource interface {
	Fields(id uuid.UUID) (map[string]any, bool)
}

// Resolver maps resource names to their collections.
type Resolver map[string]FieldSource

type Op string

const (
	OpEquals   Op = "equals"
	OpIncludes Op = "includes"
)

// Rule compares a field on a related resource to the requesting principal.
// Via names the subject payload field holding the related document's id; an
// empty Via means the id the caller passed already identifies the related
// document (create requests, and rules a resource applies to itself).
type Rule struct {
	Related string
	Via     string
	Field   string
	Op      Op
}

// RuleSet is a conjunction (AllRules) or disjunction of rules. A resource
// and action with no registered set is unconditionally allowed once the
// capability stage passes.
type RuleSet struct {
	AllRules bool
	Rules    []Rule
}

type Engine struct {
	capabilities []Capability
	relations    map[string]map[string]RuleSet
	resolver     Resolver
}

func NewEngine(resolver Resolver) (*Engine, error) {
	var matrix capabilityMatrix
	if err := yaml.Unmarshal(matrixYaml, &matrix); err != nil {
		return nil, fmt.Errorf("error parsing capability matrix: %w", err)
	}

	return &Engine{
		capabilities: matrix.Capabilities,
		relations:    make(map[string]map[string]RuleSet),
		resolver:     resolver,
	}, nil
}

func (e *Engine) Relate(resource, action string, set RuleSet) {
	if e.relations[resource] == nil {
		e.relations[resource] = make(map[string]RuleSet)
	}
	e.relations[resource][action] = set
}

func contains(set []string, value string) bool {
	for _, entry := range set {
		if entry == value || entry == Wildcard {
			return true
		}
	}
	return false
}

// Can is stage one: the static capability check.
func (e *Engine) Can(role, action, resource string) bool {
	for _, cap := range e.capabilities {
		if contains(cap.Roles, role) && contains(cap.Actions, action) && contains(cap.Resources, resource) {
			return true
		}
	}
	return false
}

// Allowed is the full check for a single-id request: capability first, then
// the resource's relational rules if any. resourceId identifies the subject
// document, except for rules with an empty Via where it already identifies
// the related document (the create case).
func (e *Engine) Allowed(role, action, resource string, resourceId, principal uuid.UUID) bool {
	if !e.Can(role, action, resource) {
		return false
	}
	return e.relationalAllowed(role, action, resource, resourceId, principal)
}

func (e *Engine) relationalAllowed(role, action, resource string, resourceId, principal uuid.UUID) bool {
	set, ok := e.ruleSet(resource, action)
	if !ok {
		return true
	}

	for _, rule := range set.Rules {
		holds := e.ruleHolds(rule, resource, resourceId, principal)
		if set.AllRules && !holds {
			return false
		}
		if !set.AllRules && holds {
			return true
		}
	}
	return set.AllRules
}

// AllowedBatch checks an id-array request shape: every id must pass.
func (e *Engine) AllowedBatch(role, action, resource string, ids []uuid.UUID, principal uuid.UUID) bool {
	if !e.Can(role, action, resource) {
		return false
	}
	for _, id := range ids {
		if !e.relationalAllowed(role, action, resource, id, principal) {
			return false
		}
	}
	return true
}

// AllowedQuery checks a field-filtered query shape. When the filter field is
// a rule's Via field the filter value identifies the related document
// directly; rules that cannot be resolved without a subject instance
// evaluate as not holding.
func (e *Engine) AllowedQuery(role, action, resource, field, value string, principal uuid.UUID) bool {
	if !e.Can(role, action, resource) {
		return false
	}

	set, ok := e.ruleSet(resource, action)
	if !ok {
		return true
	}

	for _, rule := range set.Rules {
		holds := false
		if rule.Via == field {
			if relatedId, err := uuid.Parse(value); err == nil {
				holds = e.relatedHolds(rule, relatedId, principal)
			}
		}
		if set.AllRules && !holds {
			return false
		}
		if !set.AllRules && holds {
			return true
		}
	}
	return set.AllRules
}

func (e *Engine) ruleSet(resource, action string) (RuleSet, bool) {
	actions, ok := e.relations[resource]
	if !ok {
		return RuleSet{}, false
	}
	set, ok := actions[action]
	if !ok || len(set.Rules) == 0 {
		return RuleSet{}, false
	}
	return set, true
}

func (e *Engine) ruleHolds(rule Rule, resource string, resourceId, principal uuid.UUID) bool {
	relatedId := resourceId
	if rule.Via != "" {
		subject, ok := e.resolver[resource]
		if !ok {
			slog.Error("no resolver for resource in relational rule", "resource", resource)
			return false
		}
		fields, ok := subject.Fields(resourceId)
		if !ok {
			return false
		}
		raw, _ := fields[rule.Via].(string)
		id, err := uuid.Parse(raw)
		if err != nil {
			return false
		}
		relatedId = id
	}
	return e.relatedHolds(rule, relatedId, principal)
}

func (e *Engine) relatedHolds(rule Rule, relatedId, principal uuid.UUID) bool {
	related, ok := e.resolver[rule.Related]
	if !ok {
		slog.Error("no resolver for related resource in relational rule", "resource", rule.Related)
		return false
	}

	fields, ok := related.Fields(relatedId)
	if !ok {
		return false
	}

	switch rule.Op {
	case OpEquals:
		value, _ := fields[rule.Field].(string)
		return value == principal.String()
	case OpIncludes:
		values, _ := fields[rule.Field].([]any)
		for _, entry := range values {
			if value, _ := entry.(string); value == principal.String() {
				return true
			}
		}
		return false
	}
	return false
}
