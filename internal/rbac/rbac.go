package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	// ActionJoin covers presence, cursor and selection broadcast.
	ActionJoin  Action = "join"
	ActionType  Action = "type"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionJoin || action == ActionType || action == ActionWrite
	case RoleCommenter:
		return action == ActionJoin || action == ActionType
	case RoleViewer:
		return action == ActionJoin
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// CanWrite reports whether a raw role string may persist document content.
func CanWrite(role string) bool {
	return Can(Normalize(role), ActionWrite)
}
