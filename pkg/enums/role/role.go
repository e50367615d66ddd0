package role

// Role is a well-known subscription scope that is not a station.
type Role struct {
	Name string
}

func (r Role) Code() string {
	return r.Name
}

type Enum struct {
	Waiter          Role
	Cashier         Role
	CustomerDisplay Role
}

var Roles = Enum{
	Waiter:          Role{Name: "waiter"},
	Cashier:         Role{Name: "cashier"},
	CustomerDisplay: Role{Name: "customer-display"},
}

var All = []Role{
	Roles.Waiter,
	Roles.Cashier,
	Roles.CustomerDisplay,
}

// ByName returns the role for a given name, or nil if not found
func ByName(name string) *Role {
	for _, r := range All {
		if r.Name == name {
			return &r
		}
	}
	return nil
}

// IsRole reports whether scope names a role rather than a station.
func IsRole(scope string) bool {
	return ByName(scope) != nil
}
