package models

// Action identifies the privileged on-chain operation an intent authorizes.
// The numeric values are part of the signed schema and must match the
// on-chain verifier.
type Action uint8

const (
	ActionAddLab               Action = 1
	ActionUpdateLab            Action = 2
	ActionDeleteLab            Action = 3
	ActionListLab              Action = 4
	ActionUnlistLab            Action = 5
	ActionSetTokenURI          Action = 6
	ActionRotateLabAccess      Action = 7
	ActionRequestBooking       Action = 8
	ActionCancelRequestBooking Action = 9
)

func (a Action) String() string {
	switch a {
	case ActionAddLab:
		return "add_lab"
	case ActionUpdateLab:
		return "update_lab"
	case ActionDeleteLab:
		return "delete_lab"
	case ActionListLab:
		return "list_lab"
	case ActionUnlistLab:
		return "unlist_lab"
	case ActionSetTokenURI:
		return "set_token_uri"
	case ActionRotateLabAccess:
		return "rotate_lab_access"
	case ActionRequestBooking:
		return "request_booking"
	case ActionCancelRequestBooking:
		return "cancel_request_booking"
	default:
		return "unknown"
	}
}

// IsReservation reports whether the action uses the reservation payload
// schema rather than the administrative superset.
func (a Action) IsReservation() bool {
	return a == ActionRequestBooking || a == ActionCancelRequestBooking
}

func (a Action) Valid() bool {
	return a >= ActionAddLab && a <= ActionCancelRequestBooking
}

// IntentMeta is the signed envelope of one authorization attempt. It is
// immutable once hashed; the admin co-signature and the user-presence
// challenge both commit to every field.
type IntentMeta struct {
	RequestID   Hash32  `json:"requestId"`
	Signer      Address `json:"signer"`
	Executor    Address `json:"executor"`
	Action      Action  `json:"action"`
	PayloadHash Hash32  `json:"payloadHash"`
	Nonce       uint64  `json:"nonce"`
	RequestedAt int64   `json:"requestedAt"`
	ExpiresAt   int64   `json:"expiresAt"`
}

// IntentPayload carries the action-specific fields. Reservation actions use
// the reservation subset; administrative actions use the superset,
// discriminated by Action. String fields use the empty string for "absent"
// so the struct hash stays stable.
type IntentPayload struct {
	Action                Action  `json:"action"`
	Executor              Address `json:"executor"`
	SchacHomeOrganization string  `json:"schacHomeOrganization"`
	PUC                   string  `json:"puc"`
	AssertionHash         Hash32  `json:"assertionHash"`
	LabID                 uint64  `json:"labId"`

	// Reservation fields.
	Start          int64  `json:"start,omitempty"`
	End            int64  `json:"end,omitempty"`
	Price          uint64 `json:"price,omitempty"`
	ReservationKey Hash32 `json:"reservationKey,omitempty"`

	// Administrative fields.
	URI       string `json:"uri,omitempty"`
	Auth      string `json:"auth,omitempty"`
	AccessURI string `json:"accessURI,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	TokenURI  string `json:"tokenURI,omitempty"`
	MaxBatch  uint64 `json:"maxBatch,omitempty"`
}

// FederatedSession is the opaque authenticated-subject record handed in by
// the SSO layer. The core reads these fields and never validates the
// assertion itself.
type FederatedSession struct {
	PUC                   string `json:"puc"`
	SchacHomeOrganization string `json:"schacHomeOrganization"`
	Role                  string `json:"role,omitempty"`
	ScopedRole            string `json:"scopedRole,omitempty"`
	Assertion             string `json:"assertion,omitempty"`
}
