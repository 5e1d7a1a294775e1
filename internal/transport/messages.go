// Package transport — messages.go
//
// Envelope and payload shapes exchanged with the central server.
// Outbound delivery is best-effort and at-least-once: envelopes that
// cannot be handed to a live connection are spooled to the journal's
// pending-reports queue and re-sent on reconnect.

package transport

import (
	"encoding/json"
	"time"
)

// Outbound message types.
const (
	TypeEscalation       = "escalation"
	TypeMetricReport     = "metric-report"
	TypeTicketUpdate     = "ticket-update"
	TypeCorrelationFired = "correlation-fired"
	TypePatternDetected  = "pattern-detected"
	TypeProactiveAction  = "proactive-action-created"
	TypeHealthScore      = "health-score-update"
)

// Inbound control message types.
const (
	TypeUpdateRunbooks   = "update-runbooks"
	TypeUpdateExclusions = "update-exclusions"
	TypeAckSignature     = "acknowledge-signature"
	TypeApproveTicket    = "approve-ticket"
)

// Envelope wraps every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	NodeID  string          `json:"nodeId,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
	Payload json.RawMessage `json:"payload"`
}

// AckSignaturePayload clears a signature's cooldown.
type AckSignaturePayload struct {
	SignatureID string `json:"signatureId"`
}

// ApproveTicketPayload releases an approval-gated ticket.
type ApproveTicketPayload struct {
	TicketID string `json:"ticketId"`
}
