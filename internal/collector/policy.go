package collector

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// PolicyDocument is a parsed IAM policy. AWS serializes Action, Resource,
// and Principal as either a string or an array, so the fields need custom
// decoding.
type PolicyDocument struct {
	Version    string            `json:"Version"`
	Statements []PolicyStatement `json:"Statement"`
}

type PolicyStatement struct {
	SID        string      `json:"Sid"`
	Effect     string      `json:"Effect"`
	Actions    StringOrArr `json:"Action"`
	Resources  StringOrArr `json:"Resource"`
	Principals Principals  `json:"Principal"`
}

type StringOrArr []string

func (s *StringOrArr) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array: %w", err)
	}
	*s = many
	return nil
}

// Principals flattens the Principal clause to a list of identifiers. "*"
// and {"AWS": "*"} both decode to ["*"].
type Principals []string

func (p *Principals) UnmarshalJSON(data []byte) error {
	var star string
	if err := json.Unmarshal(data, &star); err == nil {
		*p = []string{star}
		return nil
	}
	var byType map[string]StringOrArr
	if err := json.Unmarshal(data, &byType); err != nil {
		return fmt.Errorf("expected string or map: %w", err)
	}
	var out []string
	for _, ids := range byType {
		out = append(out, ids...)
	}
	*p = out
	return nil
}

// ParsePolicyDocument decodes an IAM policy. GetPolicyVersion and
// GetRolePolicy return the document URL-encoded.
func ParsePolicyDocument(raw string) (*PolicyDocument, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}

	var doc PolicyDocument
	if err := json.Unmarshal([]byte(decoded), &doc); err != nil {
		return nil, fmt.Errorf("parsing policy document: %w", err)
	}
	return &doc, nil
}

// AllowedActions collects the distinct Allow-effect actions in the document.
func (d *PolicyDocument) AllowedActions() []string {
	seen := make(map[string]bool)
	var actions []string
	for _, stmt := range d.Statements {
		if stmt.Effect != "Allow" {
			continue
		}
		for _, action := range stmt.Actions {
			if !seen[action] {
				seen[action] = true
				actions = append(actions, action)
			}
		}
	}
	return actions
}

// ResourcesFor returns the resource patterns the given action is allowed on.
func (d *PolicyDocument) ResourcesFor(action string) []string {
	var resources []string
	for _, stmt := range d.Statements {
		if stmt.Effect != "Allow" {
			continue
		}
		for _, a := range stmt.Actions {
			if a == action {
				resources = append(resources, stmt.Resources...)
			}
		}
	}
	return resources
}

// IsPublic reports whether any Allow statement grants to everyone.
func (d *PolicyDocument) IsPublic() bool {
	for _, stmt := range d.Statements {
		if stmt.Effect != "Allow" {
			continue
		}
		for _, principal := range stmt.Principals {
			if principal == "*" {
				return true
			}
		}
	}
	return false
}
