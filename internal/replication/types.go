// Package replication implements the delta-synchronised replicated list. An
// authoritative instance records every mutation in a change log that is
// flushed to observers as a compact delta; observers replay the log against
// their local mirror, repairing stale indices where possible and reporting a
// DesyncError where not.
package replication

import "time"

// ClientID identifies a connected peer.
type ClientID uint64

// ServerClientID is the identity of the authoritative process itself.
const ServerClientID ClientID = 0

// Permission selects the policy used by CanRead/CanWrite.
type Permission int

const (
	// PermissionEveryone grants access to every client.
	PermissionEveryone Permission = iota
	// PermissionServerOnly grants access to the authoritative process only.
	PermissionServerOnly
	// PermissionOwnerOnly grants access to the owner of the bound object.
	PermissionOwnerOnly
	// PermissionCustom delegates to the configured predicate.
	PermissionCustom
)

// String implements fmt.Stringer.
func (p Permission) String() string {
	switch p {
	case PermissionEveryone:
		return "everyone"
	case PermissionServerOnly:
		return "server_only"
	case PermissionOwnerOnly:
		return "owner_only"
	case PermissionCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// DefaultSendTickrate is the flush rate applied by DefaultSettings.
const DefaultSendTickrate = 0.1

// DefaultChannel is the transport channel applied by DefaultSettings.
const DefaultChannel = "default"

// Settings tunes flush cadence, transport channel and access policy. Treat
// it as immutable once the list is constructed. The zero value stands for
// DefaultSettings; set Channel to spell out an every-tick, everyone-writable
// list explicitly.
type Settings struct {
	// SendTickrate is the maximum flush rate in Hz. Zero flushes every tick,
	// a negative rate never reports dirty on its own.
	SendTickrate float64
	// Channel names the transport channel deltas are sent on.
	Channel string

	ReadPermission  Permission
	WritePermission Permission

	// ReadPermissionFunc and WritePermissionFunc back PermissionCustom.
	ReadPermissionFunc  func(ClientID) bool
	WritePermissionFunc func(ClientID) bool
}

func (s Settings) isZero() bool {
	return s.SendTickrate == 0 && s.Channel == "" &&
		s.ReadPermission == PermissionEveryone && s.WritePermission == PermissionEveryone &&
		s.ReadPermissionFunc == nil && s.WritePermissionFunc == nil
}

// DefaultSettings mirrors the stock replicated variable defaults: everyone
// may read, only the server may write.
func DefaultSettings() Settings {
	return Settings{
		SendTickrate:    DefaultSendTickrate,
		Channel:         DefaultChannel,
		ReadPermission:  PermissionEveryone,
		WritePermission: PermissionServerOnly,
	}
}

// Authority reports whether the local process owns the authoritative state.
type Authority interface {
	IsAuthoritative() bool
}

// AuthorityFunc adapts a function into an Authority.
type AuthorityFunc func() bool

// IsAuthoritative implements Authority.
func (f AuthorityFunc) IsAuthoritative() bool {
	if f == nil {
		return false
	}
	return f()
}

// Role is a fixed Authority.
type Role bool

const (
	// RoleServer marks the authoritative process.
	RoleServer Role = true
	// RoleClient marks an observing process.
	RoleClient Role = false
)

// IsAuthoritative implements Authority.
func (r Role) IsAuthoritative() bool {
	return bool(r)
}

// Owner exposes the client owning the object a list is attached to.
type Owner interface {
	OwnerClientID() ClientID
}

// Clock supplies the monotonic time used for flush gating.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}
