package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-jsonnet"
	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"
)

// LoadError reports a rules document that could not be used. Callers degrade to an
// empty rule set rather than aborting.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load rules %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads a rules document. The format follows the extension: .yaml/.yml, .jsonnet/
// .libsonnet, anything else is JSON. Every failure is a *LoadError.
func Load(path string) (RuleSet, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return rules, nil
}

// LoadOrEmpty is Load for callers that must keep going: a broken document is logged
// and treated as having no rules.
func LoadOrEmpty(logger *slog.Logger, path string) RuleSet {
	rules, err := Load(path)
	if err != nil {
		logger.Error("rules unavailable, continuing with none", slog.String("path", path), slog.Any("error", err))
		return RuleSet{}
	}
	logger.Info("loaded rules", slog.String("path", path), slog.Int("count", len(rules)))
	return rules
}

func readDocument(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path) // #nosec G304 - path supplied by the operator
		if err != nil {
			return nil, err
		}
		data, err := yaml.YAMLToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		return data, nil
	case ".jsonnet", ".libsonnet":
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		vm := jsonnet.MakeVM()
		vm.Importer(&jsonnet.FileImporter{JPaths: []string{filepath.Dir(path)}})
		out, err := vm.EvaluateFile(path)
		if err != nil {
			return nil, fmt.Errorf("evaluate jsonnet: %w", err)
		}
		return []byte(out), nil
	default:
		return os.ReadFile(path) // #nosec G304 - path supplied by the operator
	}
}

// The document types use pointers so a missing key can be told apart from an empty one.
type document struct {
	Rules *[]ruleDoc `json:"rules"`
}

type ruleDoc struct {
	Name       *string         `json:"name"`
	Conditions *[]conditionDoc `json:"conditions"`
	Logic      *string         `json:"logic"`
	Predicate  *string         `json:"predicate"`
	Actions    *[]actionDoc    `json:"actions"`
}

type conditionDoc struct {
	Field     *string `json:"field"`
	Predicate *string `json:"predicate"`
	Value     *string `json:"value"`
}

type actionDoc struct {
	Type        *string `json:"type"`
	Destination string  `json:"destination"`
}

// Parse decodes and validates a JSON rules document: either {"rules": [...]} or a bare
// list. Unknown keys are ignored; unknown predicates and action types are accepted here.
func Parse(data []byte) (RuleSet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}
	var docs []ruleDoc
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	} else {
		var doc document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		if doc.Rules == nil {
			return nil, errors.New(`missing "rules" list`)
		}
		docs = *doc.Rules
	}

	var result *multierror.Error
	rules := make(RuleSet, 0, len(docs))
	for i, d := range docs {
		rule, err := d.toRule(i)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		rules = append(rules, rule)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (d ruleDoc) toRule(index int) (Rule, error) {
	label := fmt.Sprintf("rule %d", index)
	if d.Name != nil && *d.Name != "" {
		label = fmt.Sprintf("rule %d (%s)", index, *d.Name)
	}
	var errs *multierror.Error
	if d.Name == nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: missing name", label))
	}
	if d.Conditions == nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: missing conditions", label))
	}
	if d.Actions == nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: missing actions", label))
	}

	rawMode := ""
	switch {
	case d.Logic != nil:
		rawMode = *d.Logic
	case d.Predicate != nil:
		rawMode = *d.Predicate
	}
	mode, ok := parseMode(rawMode)
	if !ok {
		errs = multierror.Append(errs, fmt.Errorf("%s: unknown logic %q", label, rawMode))
	}

	rule := Rule{Mode: mode}
	if d.Name != nil {
		rule.Name = *d.Name
	}
	if d.Conditions != nil {
		rule.Conditions = make([]Condition, 0, len(*d.Conditions))
		for j, c := range *d.Conditions {
			if c.Field == nil || c.Predicate == nil || c.Value == nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: condition %d needs field, predicate and value", label, j))
				continue
			}
			rule.Conditions = append(rule.Conditions, Condition{Field: *c.Field, Predicate: *c.Predicate, Value: *c.Value})
		}
	}
	if d.Actions != nil {
		rule.Actions = make([]Action, 0, len(*d.Actions))
		for j, a := range *d.Actions {
			if a.Type == nil || strings.TrimSpace(*a.Type) == "" {
				errs = multierror.Append(errs, fmt.Errorf("%s: action %d missing type", label, j))
				continue
			}
			rule.Actions = append(rule.Actions, Action{Type: ActionType(*a.Type), Destination: a.Destination})
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}
