package sync

// Well-known sync event types. The envelope payload is a tagged union over
// these; anything else travels as an OpaquePayload for forward compatibility.
const (
	EventTypeUserCreated      = "user_created"
	EventTypeUserUpdated      = "user_updated"
	EventTypeUserDeleted      = "user_deleted"
	EventTypeRoleAssigned     = "role_assigned"
	EventTypeRoleRevoked      = "role_revoked"
	EventTypeCreditsAllocated = "credits_allocated"
)

// Entity types carried in the envelope.
const (
	EntityTypeUser   = "user"
	EntityTypeRole   = "role"
	EntityTypeCredit = "credit"
)

// Payload is the typed body of a sync event.
type Payload interface {
	// PayloadEventType returns the event type this payload belongs to.
	PayloadEventType() string
	// Fields returns the payload as a flat map for stream serialization.
	Fields() map[string]any
}

// UserPayload describes user lifecycle events (created/updated/deleted).
type UserPayload struct {
	Type     string `json:"-"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
	IsActive bool   `json:"is_active"`
}

func (p UserPayload) PayloadEventType() string { return p.Type }

func (p UserPayload) Fields() map[string]any {
	return map[string]any{
		"email":     p.Email,
		"name":      p.Name,
		"status":    p.Status,
		"is_active": p.IsActive,
	}
}

// RolePayload describes role assignment and revocation.
type RolePayload struct {
	Type     string   `json:"-"`
	RoleID   string   `json:"role_id"`
	UserID   string   `json:"user_id"`
	RoleName string   `json:"role_name,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

func (p RolePayload) PayloadEventType() string { return p.Type }

func (p RolePayload) Fields() map[string]any {
	return map[string]any{
		"role_id":   p.RoleID,
		"user_id":   p.UserID,
		"role_name": p.RoleName,
		"scopes":    p.Scopes,
	}
}

// CreditsAllocatedPayload describes a credit allocation or consumption
// reported to the billing consumers.
type CreditsAllocatedPayload struct {
	OperationCode string `json:"operation_code"`
	Credits       int64  `json:"credits"`
	ResourceType  string `json:"resource_type,omitempty"`
	ResourceID    string `json:"resource_id,omitempty"`
}

func (p CreditsAllocatedPayload) PayloadEventType() string { return EventTypeCreditsAllocated }

func (p CreditsAllocatedPayload) Fields() map[string]any {
	return map[string]any{
		"operation_code": p.OperationCode,
		"credits":        p.Credits,
		"resource_type":  p.ResourceType,
		"resource_id":    p.ResourceID,
	}
}

// OpaquePayload carries event types the envelope does not model yet.
type OpaquePayload struct {
	Type string         `json:"-"`
	Raw  map[string]any `json:"raw"`
}

func (p OpaquePayload) PayloadEventType() string { return p.Type }

func (p OpaquePayload) Fields() map[string]any { return p.Raw }
