package proofsvc

import "commitmentd/internal/commitmentd"

// Kind discriminates the five tagged message kinds of spec §6, "Proof
// protocol".
type Kind string

const (
	KindProofRequest  Kind = "PROOF_REQUEST"
	KindProofResponse Kind = "PROOF_RESPONSE"
	KindProofPush     Kind = "PROOF_PUSH"
	KindProofAck      Kind = "PROOF_ACK"
	KindProofError    Kind = "PROOF_ERROR"
)

// ErrorCode is one of the six codes spec §6 defines for PROOF_ERROR.
type ErrorCode string

const (
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeNotAnchored    ErrorCode = "NOT_ANCHORED"
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// QuerySpec mirrors store.Filters over the wire; a request carries
// either CommitmentID or Query, never both (spec §6, "A request MUST
// specify commitmentId or query").
type QuerySpec struct {
	Type         string `json:"type,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Counterparty string `json:"counterparty,omitempty"`
	Since        int64  `json:"since,omitempty"`
	Until        int64  `json:"until,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// RequestOptions modifies how a PROOF_REQUEST is resolved (spec §6,
// "Request options").
type RequestOptions struct {
	RequireAnchored  bool `json:"requireAnchored,omitempty"`
	MinConfirmations int  `json:"minConfirmations,omitempty"`
	IncludePublicKey bool `json:"includePublicKey,omitempty"`
}

// ProofRequest asks for one commitment's proof (CommitmentID) or a
// filtered batch (Query).
type ProofRequest struct {
	Kind         Kind            `json:"kind"`
	RequestID    string          `json:"requestId"`
	CommitmentID string          `json:"commitmentId,omitempty"`
	Query        *QuerySpec      `json:"query,omitempty"`
	Options      *RequestOptions `json:"options,omitempty"`
}

// ProofResponse answers a ProofRequest.
type ProofResponse struct {
	Kind      Kind                 `json:"kind"`
	RequestID string               `json:"requestId"`
	Proofs    []*commitmentd.Proof `json:"proofs"`
	PublicKey string               `json:"publicKey,omitempty"`
	Total     int                  `json:"total"`
}

// ProofPush unsolicitedly hands a peer a proof to verify and accept
// (spec §6, "PROOF_PUSH").
type ProofPush struct {
	Kind      Kind               `json:"kind"`
	PushID    string             `json:"pushId"`
	Proof     *commitmentd.Proof `json:"proof"`
	PublicKey string             `json:"publicKey"`
	Reason    string             `json:"reason,omitempty"`
}

// ProofAck answers a ProofPush.
type ProofAck struct {
	Kind     Kind   `json:"kind"`
	PushID   string `json:"pushId"`
	Accepted bool   `json:"accepted"`
	Verified *bool  `json:"verified,omitempty"`
}

// ProofErrorMessage is returned in place of a response/ack when a
// request cannot be fulfilled (spec §6, "PROOF_ERROR").
type ProofErrorMessage struct {
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"requestId,omitempty"`
	PushID    string    `json:"pushId,omitempty"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}

func newError(requestID string, code ErrorCode, message string) *ProofErrorMessage {
	return &ProofErrorMessage{Kind: KindProofError, RequestID: requestID, Code: code, Message: message}
}
