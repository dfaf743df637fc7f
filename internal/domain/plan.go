package domain

import "strings"

// Plan is a subscription tier. Tiers are ordered; higher values grant more.
type Plan int

const (
	PlanBasic Plan = iota
	PlanPro
	PlanEnterprise
)

var planNames = [...]string{"basic", "pro", "enterprise"}

// PlanIDs lists the recognised plan identifiers from lowest to highest.
func PlanIDs() []string {
	return append([]string(nil), planNames[:]...)
}

// ParsePlan maps a plan identifier onto a Plan.
func ParsePlan(raw string) (Plan, bool) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	for i, name := range planNames {
		if name == needle {
			return Plan(i), true
		}
	}
	return PlanBasic, false
}

// AtLeast reports whether p is min or higher.
func (p Plan) AtLeast(min Plan) bool {
	return p >= min
}

func (p Plan) String() string {
	if p < 0 || int(p) >= len(planNames) {
		return "unknown"
	}
	return planNames[p]
}

// MarshalText encodes the plan as its identifier.
func (p Plan) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
