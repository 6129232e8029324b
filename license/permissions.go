package license

// Permission represents a named capability in the system. The set is
// closed: anything outside these constants is rejected at the boundary so
// a typo can never silently grant or deny access.
type Permission string

// Permission constants.
const (
	PermProjectRead   Permission = "project:read"
	PermProjectWrite  Permission = "project:write"
	PermCalcBasic     Permission = "calc:basic"
	PermCalcAdvanced  Permission = "calc:advanced"
	PermExportPDF     Permission = "export:pdf"
	PermExportExcel   Permission = "export:excel"
	PermReportsView   Permission = "reports:view"
	PermAPIAccess     Permission = "api:access"
	PermTeamManage    Permission = "team:manage"
	PermSystemAdmin   Permission = "system:admin"
	PermUserManage    Permission = "user:manage"
	PermAuditView     Permission = "audit:view"
	PermKeyManage     Permission = "key:manage"
	PermEmergencyUse  Permission = "emergency:use"

	// PermAll is the elevated-session wildcard.
	PermAll Permission = "all"
)

var knownPermissions = map[Permission]struct{}{
	PermProjectRead:  {},
	PermProjectWrite: {},
	PermCalcBasic:    {},
	PermCalcAdvanced: {},
	PermExportPDF:    {},
	PermExportExcel:  {},
	PermReportsView:  {},
	PermAPIAccess:    {},
	PermTeamManage:   {},
	PermSystemAdmin:  {},
	PermUserManage:   {},
	PermAuditView:    {},
	PermKeyManage:    {},
	PermEmergencyUse: {},
	PermAll:          {},
}

// Known reports whether p is part of the closed permission set.
func (p Permission) Known() bool {
	_, ok := knownPermissions[p]
	return ok
}

// Limits holds per-tier quotas. -1 denotes unlimited.
type Limits struct {
	MaxProjects        int `json:"max_projects"`
	MaxDevices         int `json:"max_devices"`
	MaxSegmentsPerCalc int `json:"max_segments_per_calc"`
}

// PermissionSet is the complete grant attached to a tier.
type PermissionSet struct {
	Tier        Tier         `json:"tier"`
	Permissions []Permission `json:"permissions"`
	Features    []string     `json:"features"`
	Limits      Limits       `json:"limits"`
}

// Tier permission tables. Each tier is built as a strict superset of the
// tier below it, so permission monotonicity holds by construction.
var (
	freePermissions = []Permission{
		PermProjectRead,
		PermProjectWrite,
		PermCalcBasic,
	}

	proPermissions = append(append([]Permission{}, freePermissions...),
		PermCalcAdvanced,
		PermExportPDF,
		PermExportExcel,
		PermReportsView,
	)

	enterprisePermissions = append(append([]Permission{}, proPermissions...),
		PermAPIAccess,
		PermTeamManage,
	)

	superAdminPermissions = append(append([]Permission{}, enterprisePermissions...),
		PermSystemAdmin,
		PermUserManage,
		PermAuditView,
		PermKeyManage,
		PermEmergencyUse,
	)
)

var tierSets = map[Tier]PermissionSet{
	TierFree: {
		Tier:        TierFree,
		Permissions: freePermissions,
		Features:    []string{"air_duct_sizer"},
		Limits:      Limits{MaxProjects: 3, MaxDevices: 1, MaxSegmentsPerCalc: 25},
	},
	TierPro: {
		Tier:        TierPro,
		Permissions: proPermissions,
		Features:    []string{"air_duct_sizer", "boiler_vent_sizer", "unlimited_segments"},
		Limits:      Limits{MaxProjects: -1, MaxDevices: 3, MaxSegmentsPerCalc: -1},
	},
	TierEnterprise: {
		Tier:        TierEnterprise,
		Permissions: enterprisePermissions,
		Features:    []string{"air_duct_sizer", "boiler_vent_sizer", "unlimited_segments", "api_access", "sso"},
		Limits:      Limits{MaxProjects: -1, MaxDevices: 10, MaxSegmentsPerCalc: -1},
	},
	TierSuperAdmin: {
		Tier:        TierSuperAdmin,
		Permissions: superAdminPermissions,
		Features:    []string{"air_duct_sizer", "boiler_vent_sizer", "unlimited_segments", "api_access", "sso", "admin_tools"},
		Limits:      Limits{MaxProjects: -1, MaxDevices: -1, MaxSegmentsPerCalc: -1},
	},
}

// SetForTier returns a copy of the permission set for the given tier.
// Unknown tiers fall back to the free set (fail-closed to the lowest
// grant, never an elevated one).
func SetForTier(tier Tier) PermissionSet {
	set, ok := tierSets[tier]
	if !ok {
		set = tierSets[TierFree]
	}
	out := set
	out.Permissions = append([]Permission{}, set.Permissions...)
	out.Features = append([]string{}, set.Features...)
	return out
}

// Contains reports whether perms grants p, honouring the wildcard.
func Contains(perms []Permission, p Permission) bool {
	for _, have := range perms {
		if have == PermAll || have == p {
			return true
		}
	}
	return false
}
