package engine

import (
	"github.com/a-essam23/scheme-live/pkg/pipeline"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/scope"
)

type notificationTarget struct {
	scope     scope.Scope
	broadcast bool
}

func (t notificationTarget) String() string {
	if t.broadcast {
		return "broadcast"
	}
	return t.scope.String()
}

// resolveNotificationTarget accepts at most one of targetUserId, targetRole
// and broadcast:true. Naming none means everyone.
func resolveNotificationTarget(pctx *pipeline.Cargo) (notificationTarget, error) {
	userID := field(pctx, "targetUserId")
	role := field(pctx, "targetRole")
	broadcast := field(pctx, "broadcast").Bool()

	set := 0
	for _, present := range []bool{userID.Exists(), role.Exists(), broadcast} {
		if present {
			set++
		}
	}
	switch {
	case set > 1:
		return notificationTarget{}, pipeline.Reject(protocol.CodeMalformedPayload,
			"at most one of targetUserId, targetRole and broadcast may be set")
	case userID.Exists():
		return notificationTarget{scope: scope.User(userID.String())}, nil
	case role.Exists():
		return notificationTarget{scope: scope.Role(role.String())}, nil
	default:
		return notificationTarget{broadcast: true}, nil
	}
}
