// Package wire defines the frame, status, and structured-message vocabulary
// shared by the relay and the bridge client.
package wire

// Frame types.
const (
	TypeRegister        = "register"
	TypeRegisterAck     = "register-ack"
	TypeXSend           = "xsend"
	TypeXDeliver        = "xdeliver"
	TypeXAck            = "xack"
	TypeXDiscovery      = "xdiscovery"
	TypePairingInit     = "pairing-init"
	TypePairingInitAck  = "pairing-init-ack"
	TypePairingJoin     = "pairing-join"
	TypePairingComplete = "pairing-complete"
	TypePairingFailed   = "pairing-failed"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeInfo            = "info"
	TypeError           = "error"
)

// Nack / ack status values.
const (
	StatusSenderNotRegistered = "sender_not_registered"
	StatusSenderMismatch      = "sender_mismatch"
	StatusInvalidPayload      = "invalid_payload"
	StatusTargetRoleRejected  = "target_role_rejected"
	StatusTargetOffline       = "target_offline"
	StatusTargetSendFailed    = "target_send_failed"
	StatusTargetDisconnected  = "target_disconnected"
	StatusTargetAckTimeout    = "target_ack_timeout"
	StatusAckSenderMismatch   = "ack_sender_mismatch"
	StatusSuperseded          = "superseded"

	StatusBridgeDelivered      = "bridge_delivered"
	StatusBridgeDeliveryFailed = "bridge_delivery_failed"
)

// Pairing failure reasons. No other reasons are ever exposed to a client.
const (
	PairingInvalidCode = "invalid_code"
	PairingExpired     = "expired"
	PairingRateLimited = "rate_limited"
)

// CoordinatingRole is the single role the relay will forward xsend frames
// to. Kept as an explicit constant per the single-coordinator admission
// policy: widening this requires a deliberate code change, not a config
// flag.
const CoordinatingRole = "architect"

// Structured message types, canonical form. Case-insensitive aliases map to
// these; unknown input downgrades to StructuredFYI with the original type
// preserved in payload.originalType.
const (
	StructuredFYI            = "FYI"
	StructuredConflictCheck  = "ConflictCheck"
	StructuredBlocker        = "Blocker"
	StructuredApproval       = "Approval"
	StructuredConflictResult = "ConflictResult"
	StructuredApprovalResult = "ApprovalResult"
)

// Close codes used by the relay when tearing down a socket.
const (
	CloseReplaced  = 1000
	CloseAuthError = 1008
)

// CloseReasonReplaced / CloseReasonInvalidReg / CloseReasonAuthFailed /
// CloseReasonAllowlisted are the reason strings sent alongside the close
// codes above.
const (
	CloseReasonReplaced    = "replaced"
	CloseReasonInvalidReg  = "invalid register"
	CloseReasonAuthFailed  = "auth failed"
	CloseReasonAllowlisted = "device not allowlisted"
)
