package config

import (
	"fmt"
	"strings"
)

// Assignee is a team member investigations can be assigned to.
type Assignee struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Label renders the assignee the way pickers show it.
func (a Assignee) Label() string {
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

func (a Assignee) validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("assignee name is required")
	}
	if !strings.Contains(a.Email, "@") {
		return fmt.Errorf("assignee email %q is not an email address", a.Email)
	}
	return nil
}

// AssigneeRegistry is an ordered roster unique by email (case-insensitive).
type AssigneeRegistry []Assignee

func (r AssigneeRegistry) index(email string) int {
	for i, a := range r {
		if strings.EqualFold(a.Email, email) {
			return i
		}
	}
	return -1
}

// Find returns the assignee registered under email.
func (r AssigneeRegistry) Find(email string) (Assignee, bool) {
	if i := r.index(email); i >= 0 {
		return r[i], true
	}
	return Assignee{}, false
}

// Add returns a new registry with a appended.
func (r AssigneeRegistry) Add(a Assignee) (AssigneeRegistry, error) {
	a = trimAssignee(a)
	if err := a.validate(); err != nil {
		return nil, err
	}
	if r.index(a.Email) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAssignee, a.Email)
	}
	out := make(AssigneeRegistry, len(r), len(r)+1)
	copy(out, r)
	return append(out, a), nil
}

// Edit returns a new registry with the entry for email replaced by a,
// keeping its position.
func (r AssigneeRegistry) Edit(email string, a Assignee) (AssigneeRegistry, error) {
	a = trimAssignee(a)
	if err := a.validate(); err != nil {
		return nil, err
	}
	i := r.index(email)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrAssigneeNotFound, email)
	}
	if j := r.index(a.Email); j >= 0 && j != i {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAssignee, a.Email)
	}
	out := make(AssigneeRegistry, len(r))
	copy(out, r)
	out[i] = a
	return out, nil
}

// Remove returns a new registry without the entry for email.
func (r AssigneeRegistry) Remove(email string) (AssigneeRegistry, error) {
	i := r.index(email)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrAssigneeNotFound, email)
	}
	out := make(AssigneeRegistry, 0, len(r)-1)
	out = append(out, r[:i]...)
	return append(out, r[i+1:]...), nil
}

func (r AssigneeRegistry) validate() error {
	seen := make(map[string]bool, len(r))
	for _, a := range r {
		if err := a.validate(); err != nil {
			return err
		}
		key := strings.ToLower(a.Email)
		if seen[key] {
			return fmt.Errorf("duplicate assignee %s", a.Email)
		}
		seen[key] = true
	}
	return nil
}

func trimAssignee(a Assignee) Assignee {
	return Assignee{Name: strings.TrimSpace(a.Name), Email: strings.TrimSpace(a.Email)}
}
