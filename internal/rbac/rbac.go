package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleAssessor Role = "assessor"
	RoleReviewer Role = "reviewer"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionSubmit  Action = "submit"
	ActionReview  Action = "review"
	ActionApprove Action = "approve"
	ActionIssue   Action = "issue"
	ActionRevise  Action = "revise"
	ActionDelete  Action = "delete"
	ActionAdmin   Action = "admin"
)

// Elevated reports whether a role may approve and issue.
func Elevated(role Role) bool {
	return role == RoleApprover || role == RoleAdmin
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleApprover:
		return action != ActionAdmin
	case RoleReviewer:
		return action == ActionRead || action == ActionEdit || action == ActionSubmit || action == ActionReview || action == ActionRevise
	case RoleAssessor:
		return action == ActionRead || action == ActionEdit || action == ActionSubmit || action == ActionRevise || action == ActionDelete
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAssessor, RoleReviewer, RoleApprover, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
