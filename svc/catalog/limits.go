package catalog

import "fmt"

// Unlimited is the cap value meaning "no limit".
const Unlimited = -1

// Limits are the resource caps of a plan.
type Limits struct {
	Plan                  Tier `json:"plan"`
	MaxTemplates          int  `json:"max_templates"`
	MaxTeamMembers        int  `json:"max_team_members"`
	MaxAdmins             int  `json:"max_admins"`
	MaxMonthlySubmissions int  `json:"max_monthly_submissions"`
	MaxStoredSubmissions  int  `json:"max_stored_submissions"`
}

// Allows reports whether one more resource fits under max given count
// existing ones.
func Allows(max, count int) bool {
	return max == Unlimited || count < max
}

// FormatCap renders a cap for user-facing text.
func FormatCap(max int) string {
	if max == Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", max)
}

var defaultLimits = map[Tier]Limits{
	Starter: {
		Plan:                  Starter,
		MaxTemplates:          3,
		MaxTeamMembers:        5,
		MaxAdmins:             1,
		MaxMonthlySubmissions: 50,
		MaxStoredSubmissions:  50,
	},
	Growth: {
		Plan:                  Growth,
		MaxTemplates:          25,
		MaxTeamMembers:        25,
		MaxAdmins:             3,
		MaxMonthlySubmissions: 500,
		MaxStoredSubmissions:  1000,
	},
	Scale: {
		Plan:                  Scale,
		MaxTemplates:          Unlimited,
		MaxTeamMembers:        100,
		MaxAdmins:             10,
		MaxMonthlySubmissions: Unlimited,
		MaxStoredSubmissions:  Unlimited,
	},
}

// StarterLimits are the caps applied whenever an organization has no
// canonical subscription.
func StarterLimits() Limits { return defaultLimits[Starter] }
