package lab

// Action is a gated workflow operation.
type Action string

const (
	ActionOrderCreate  Action = "order:create"
	ActionOrderStart   Action = "order:start-test"
	ActionOrderCancel  Action = "order:cancel"
	ActionReportCreate Action = "report:create"
	ActionReportAppend Action = "report:append-result"
	ActionReportVerify Action = "report:verify"
	ActionRead         Action = "read"
)

// capabilities is the role/action grant table. Admin is granted everything
// and is handled in CanPerform rather than enumerated here.
var capabilities = map[Role]map[Action]bool{
	RoleClinician: {
		ActionOrderCreate: true,
		ActionOrderCancel: true,
		ActionRead:        true,
	},
	RoleLabStaff: {
		ActionOrderStart:   true,
		ActionReportCreate: true,
		ActionReportAppend: true,
		ActionRead:         true,
	},
	RoleVerifier: {
		ActionReportVerify: true,
		ActionRead:         true,
	},
}

// Policy decides whether an actor role may perform an action. Verification
// separation (performer != verifier) is enforced by the service on top of
// this table; SelfVerifyWaiver relaxes only that separation, never the
// role grant itself.
type Policy struct {
	SelfVerifyWaiver bool
}

func (p Policy) CanPerform(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	grants, ok := capabilities[role]
	if !ok {
		return false
	}
	return grants[action]
}

// AllowSelfVerify reports whether a performer may verify their own report.
func (p Policy) AllowSelfVerify() bool {
	return p.SelfVerifyWaiver
}
