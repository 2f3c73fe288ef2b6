package replication

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// CanRead reports whether client may receive this list.
func (l *List[T]) CanRead(client ClientID) (bool, error) {
	return l.permits(l.settings.ReadPermission, l.settings.ReadPermissionFunc, client)
}

// CanWrite reports whether client may request mutations of this list.
func (l *List[T]) CanWrite(client ClientID) (bool, error) {
	return l.permits(l.settings.WritePermission, l.settings.WritePermissionFunc, client)
}

func (l *List[T]) permits(permission Permission, custom func(ClientID) bool, client ClientID) (bool, error) {
	switch permission {
	case PermissionEveryone:
		return true, nil
	case PermissionServerOnly:
		return client == ServerClientID, nil
	case PermissionOwnerOnly:
		if l.owner == nil {
			return false, ErrOwnerUnbound
		}
		return l.owner.OwnerClientID() == client, nil
	case PermissionCustom:
		if custom == nil {
			return false, nil
		}
		return custom(client), nil
	default:
		return true, nil
	}
}

// CompilePredicate compiles a boolean expression into a Custom permission
// predicate. The expression sees the requesting client as `client` (an int)
// alongside any extra variables, e.g. `client in admins` or `client % 2 == 0`.
// A predicate that fails at runtime denies access.
func CompilePredicate(expression string, vars map[string]any) (func(ClientID) bool, error) {
	if expression == "" {
		return nil, fmt.Errorf("replication: permission expression must not be empty")
	}
	env := predicateEnv(vars, ServerClientID)
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("replication: compile permission %q: %w", expression, err)
	}
	return func(client ClientID) bool {
		out, err := expr.Run(program, predicateEnv(vars, client))
		if err != nil {
			return false
		}
		allowed, ok := out.(bool)
		return ok && allowed
	}, nil
}

func predicateEnv(vars map[string]any, client ClientID) map[string]any {
	env := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		env[k] = v
	}
	env["client"] = int(client)
	return env
}
