package state

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermAll Permission = 1 << iota
	PermContentWrite
	PermThemeWrite
	PermSchemesWrite
	PermNotificationsSend
	PermAnalyticsWrite
)

// first bit available to permissions registered from config.
const firstCustomBit = 6

var BuiltInPerms = map[string]Permission{
	"all":                PermAll,
	"content.write":      PermContentWrite,
	"theme.write":        PermThemeWrite,
	"schemes.write":      PermSchemesWrite,
	"notifications.send": PermNotificationsSend,
	"analytics.write":    PermAnalyticsWrite,
}

// FirstCustomBit is exposed for the config registry.
func FirstCustomBit() uint { return firstCustomBit }

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

const RoleAdmin = "admin"
