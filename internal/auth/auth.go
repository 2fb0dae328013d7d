// Package auth holds the verified identity attached to a connection and the
// authorization predicates gating publish and subscribe operations.
package auth

import "context"

// Role is the account role carried inside an AuthContext.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDriver    Role = "driver"
	RoleOwner     Role = "owner"
	RoleConductor Role = "conductor"
	RoleModerator Role = "moderator"
	RoleRider     Role = "rider"
)

// publishRoles are the membership roles allowed to publish for a vehicle.
var publishRoles = map[Role]struct{}{
	RoleDriver:    {},
	RoleOwner:     {},
	RoleConductor: {},
}

// Context is the verified identity attached to one connection after a
// successful auth message. Immutable once created.
type Context struct {
	UserID string
	Role   Role
}

// VehicleRef is the directory's view of a vehicle.
type VehicleRef struct {
	ID          int64
	PlateNumber string
	RouteID     *int64
}

// RouteRef is the directory's view of a route.
type RouteRef struct {
	ID int64
}

// Membership links a user to a vehicle with a role.
type Membership struct {
	VehicleID int64
	UserID    string
	Role      Role
}

// TokenVerifier resolves a bearer token to an identity, or nil when the token
// is invalid.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Context, error)
}

// Directory is the external collaborator resolving vehicles, routes and
// vehicle memberships. Lookups return (nil, nil) for absent records.
type Directory interface {
	GetVehicle(ctx context.Context, vehicleID int64) (*VehicleRef, error)
	GetRoute(ctx context.Context, routeID int64) (*RouteRef, error)
	GetMembership(ctx context.Context, vehicleID int64, userID string) (*Membership, error)
}

// SharingChecker reports whether the sharing lease is active for a vehicle.
type SharingChecker interface {
	IsSharingActive(ctx context.Context, vehicleID int64) (bool, error)
}

// Authorizer evaluates the publish and subscribe predicates against the
// directory and the sharing lease.
type Authorizer struct {
	directory Directory
	sharing   SharingChecker
}

// NewAuthorizer wires the predicate dependencies.
func NewAuthorizer(directory Directory, sharing SharingChecker) *Authorizer {
	return &Authorizer{directory: directory, sharing: sharing}
}

// CanPublish reports whether identity may publish positions for the vehicle:
// admins always, everyone else only with a publish-eligible membership role.
func (a *Authorizer) CanPublish(ctx context.Context, identity *Context, vehicleID int64) (bool, error) {
	if identity == nil {
		return false, nil
	}
	if identity.Role == RoleAdmin {
		return true, nil
	}
	membership, err := a.directory.GetMembership(ctx, vehicleID, identity.UserID)
	if err != nil {
		return false, err
	}
	if membership == nil {
		return false, nil
	}
	_, ok := publishRoles[membership.Role]
	return ok, nil
}

// CanSubscribe reports whether the caller may watch a vehicle: admins always,
// anyone while the vehicle's sharing lease is active, otherwise only members.
// The session and share-token parameters are accepted but never grant access
// on their own; they are reserved for an anonymous share-link flow that is
// not implemented.
func (a *Authorizer) CanSubscribe(ctx context.Context, identity *Context, vehicleID int64, sessionID, shareToken string) (bool, error) {
	if identity != nil && identity.Role == RoleAdmin {
		return true, nil
	}
	vehicle, err := a.directory.GetVehicle(ctx, vehicleID)
	if err != nil {
		return false, err
	}
	if vehicle == nil {
		return false, nil
	}
	active, err := a.sharing.IsSharingActive(ctx, vehicleID)
	if err != nil {
		return false, err
	}
	if active {
		return true, nil
	}
	if identity != nil {
		membership, err := a.directory.GetMembership(ctx, vehicleID, identity.UserID)
		if err != nil {
			return false, err
		}
		if membership != nil {
			return true, nil
		}
	}
	return false, nil
}
