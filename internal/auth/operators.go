package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// ErrInvalidCredentials is returned for an unknown operator or a wrong key.
// The two cases are deliberately indistinguishable to the caller.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Registry holds the operators allowed to request tokens.
type Registry struct {
	operators map[string]model.Operator
}

// ParseOperators parses a comma-separated "id:role:access:hash" list.
// The hash is the output of HashAPIKey. An empty string yields an empty
// registry, in which case no token can be issued.
func ParseOperators(raw string) (*Registry, error) {
	r := &Registry{operators: make(map[string]model.Operator)}
	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("auth: operator entry %q must be id:role:access:hash", entry)
		}
		id := strings.TrimSpace(parts[0])
		if err := model.ValidateOperatorID(id); err != nil {
			return nil, fmt.Errorf("auth: operator entry %q: %w", entry, err)
		}
		access, err := model.ParseAccessLevel(parts[2])
		if err != nil {
			return nil, fmt.Errorf("auth: operator %s: %w", id, err)
		}
		hash := strings.TrimSpace(parts[3])
		if _, err := parseKeyHash(hash); err != nil {
			return nil, fmt.Errorf("auth: operator %s: %w", id, err)
		}
		if _, dup := r.operators[id]; dup {
			return nil, fmt.Errorf("auth: operator %s listed twice", id)
		}
		r.operators[id] = model.Operator{
			ID:         id,
			Role:       strings.TrimSpace(parts[1]),
			Access:     access,
			APIKeyHash: hash,
		}
	}
	return r, nil
}

// Add registers an operator directly, replacing any existing entry.
func (r *Registry) Add(op model.Operator) {
	r.operators[op.ID] = op
}

// Len reports the number of registered operators.
func (r *Registry) Len() int {
	return len(r.operators)
}

// IDs returns the registered operator IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.operators))
	for id := range r.operators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Authenticate checks an operator's API key and returns its identity.
func (r *Registry) Authenticate(operatorID, apiKey string) (model.Operator, error) {
	op, ok := r.operators[operatorID]
	if !ok {
		dummyVerify()
		return model.Operator{}, ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(apiKey, op.APIKeyHash)
	if err != nil {
		return model.Operator{}, fmt.Errorf("auth: verify %s: %w", operatorID, err)
	}
	if !valid {
		return model.Operator{}, ErrInvalidCredentials
	}
	op.APIKeyHash = ""
	return op, nil
}
