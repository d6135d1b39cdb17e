package adminreg

import (
	"errors"

	"github.com/polisai/fleetpolicy/pkg/domain"
)

// PermissionGrade classifies a declared administrator permission.
type PermissionGrade int32

const (
	// GradeNormal permissions may be granted to any administrator.
	GradeNormal PermissionGrade = 0
	// GradeSuper permissions may only be granted to the super
	// administrator.
	GradeSuper PermissionGrade = 1
)

// ErrPermissionGrade is returned when a normal administrator requests a
// super-grade permission.
var ErrPermissionGrade = errors.New("adminreg: permission requires a super administrator")

// PermissionRegistry holds the declared administrator permissions and
// their grades. Immutable after construction.
type PermissionRegistry struct {
	grades map[string]PermissionGrade
}

// NewPermissionRegistry builds a registry from the declared permission set.
func NewPermissionRegistry(grades map[string]PermissionGrade) *PermissionRegistry {
	cp := make(map[string]PermissionGrade, len(grades))
	for name, grade := range grades {
		cp[name] = grade
	}
	return &PermissionRegistry{grades: cp}
}

// Known reports whether name is a declared administrator permission.
func (pr *PermissionRegistry) Known(name string) bool {
	_, ok := pr.grades[name]
	return ok
}

// Grant intersects the requested permissions with the declared registry
// and filters by administrator type. Unknown permissions are dropped; a
// normal administrator requesting a super-grade permission fails the whole
// grant with ErrPermissionGrade.
func (pr *PermissionRegistry) Grant(requested []string, t domain.AdminType) ([]string, error) {
	granted := make([]string, 0, len(requested))
	for _, name := range requested {
		grade, ok := pr.grades[name]
		if !ok {
			continue
		}
		if grade == GradeSuper && t != domain.AdminSuper {
			return nil, ErrPermissionGrade
		}
		granted = append(granted, name)
	}
	return granted, nil
}
