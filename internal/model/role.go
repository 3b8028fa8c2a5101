package model

import "sort"

// Role is a principal's position in the privilege hierarchy. Roles form a
// total order by Level; the higher level is the more privileged role.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleStaff      Role = "staff"
	RoleInstructor Role = "instructor"
	RoleCandidate  Role = "candidate"
)

// Permission strings. PermAllAccess short-circuits every permission check.
const (
	PermAllAccess        = "all_access"
	PermPrincipalsRead   = "principals.read"
	PermPrincipalsManage = "principals.manage"
	PermLockoutsManage   = "lockouts.manage"
	PermCandidatesRead   = "candidates.read"
	PermCandidatesManage = "candidates.manage"
	PermCoursesRead      = "courses.read"
	PermCoursesWrite     = "courses.write"
	PermCoursesEnroll    = "courses.enroll"
	PermBlogsWrite       = "blogs.write"
	PermJobsWrite        = "jobs.write"
	PermReportsView      = "reports.view"
	PermProfileRead      = "profile.read"
	PermProfileWrite     = "profile.write"
)

// Family groups roles that share a client-side storage slot, so an admin
// session and a staff session on the same machine never overwrite each other.
type Family string

const (
	FamilyAdmin     Family = "admin"
	FamilyStaff     Family = "staff"
	FamilyCandidate Family = "candidate"
)

type roleDef struct {
	level       int
	family      Family
	permissions []string
}

var roleDefs = map[Role]roleDef{
	RoleSuperAdmin: {
		level:       100,
		family:      FamilyAdmin,
		permissions: []string{PermAllAccess},
	},
	RoleAdmin: {
		level:  80,
		family: FamilyAdmin,
		permissions: []string{
			PermPrincipalsRead, PermPrincipalsManage, PermLockoutsManage,
			PermCandidatesRead, PermCandidatesManage,
			PermCoursesRead, PermCoursesWrite, PermBlogsWrite, PermJobsWrite,
			PermReportsView, PermProfileRead, PermProfileWrite,
		},
	},
	RoleManager: {
		level:  60,
		family: FamilyStaff,
		permissions: []string{
			PermPrincipalsRead, PermPrincipalsManage,
			PermCandidatesRead, PermCandidatesManage,
			PermCoursesRead, PermCoursesWrite, PermReportsView,
			PermProfileRead, PermProfileWrite,
		},
	},
	RoleStaff: {
		level:  40,
		family: FamilyStaff,
		permissions: []string{
			PermCandidatesRead, PermCoursesRead, PermCoursesWrite,
			PermProfileRead, PermProfileWrite,
		},
	},
	RoleInstructor: {
		level:  30,
		family: FamilyStaff,
		permissions: []string{
			PermCandidatesRead, PermCoursesRead, PermProfileRead, PermProfileWrite,
		},
	},
	RoleCandidate: {
		level:  10,
		family: FamilyCandidate,
		permissions: []string{
			PermCoursesRead, PermCoursesEnroll, PermProfileRead, PermProfileWrite,
		},
	},
}

// Roles returns every known role ordered from most to least privileged.
func Roles() []Role {
	out := make([]Role, 0, len(roleDefs))
	for r := range roleDefs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return LevelOf(out[i]) > LevelOf(out[j]) })
	return out
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleDefs[r]
	return ok
}

// LevelOf returns the privilege level of r. Unknown roles have level 0.
func LevelOf(r Role) int {
	return roleDefs[r].level
}

// FamilyOf returns the storage family of r, or "" for unknown roles.
func FamilyOf(r Role) Family {
	return roleDefs[r].family
}

// ImpliedPermissions returns a fresh set of the permissions role r implies.
func ImpliedPermissions(r Role) map[string]struct{} {
	def := roleDefs[r]
	set := make(map[string]struct{}, len(def.permissions))
	for _, p := range def.permissions {
		set[p] = struct{}{}
	}
	return set
}

// CanManage reports whether a principal holding actor may administer one
// holding target. The relation is strict: no self, lateral or upward management.
func CanManage(actor, target Role) bool {
	return LevelOf(actor) > LevelOf(target)
}

// EffectivePermissions merges the implied permissions of r with the explicit
// grants and returns them sorted.
func EffectivePermissions(r Role, explicit []string) []string {
	set := ImpliedPermissions(r)
	for _, p := range explicit {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
