package proofsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"commitmentd/internal/commitmentd"
	"commitmentd/internal/logging"
	"commitmentd/internal/metrics"
	"commitmentd/internal/ratelimit"
	"commitmentd/internal/security"
	"commitmentd/internal/store"
)

// Dispatcher turns proof-protocol frames into calls against a
// commitmentd.Store, enforcing per-peer rate limiting and request
// validation at the boundary before the core is ever touched (spec §5,
// "the handler applies per-peer rate limiting before invoking the
// core").
type Dispatcher struct {
	store         commitmentd.Store
	limiter       *ratelimit.Limiter
	maxQueryLimit int

	logger  *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.CommitdMetrics
}

// DispatcherDeps bundles the ambient collaborators a Dispatcher logs
// and measures through.
type DispatcherDeps struct {
	Logger  *logging.Logger
	Audit   *logging.AuditLogger
	Metrics *metrics.CommitdMetrics
}

// NewDispatcher builds a Dispatcher over store, rate-limited by
// limiter (nil disables rate limiting, useful in tests).
func NewDispatcher(store commitmentd.Store, limiter *ratelimit.Limiter, maxQueryLimit int, deps DispatcherDeps) *Dispatcher {
	if maxQueryLimit <= 0 {
		maxQueryLimit = security.MaxQueryLimit
	}
	return &Dispatcher{
		store:         store,
		limiter:       limiter,
		maxQueryLimit: maxQueryLimit,
		logger:        deps.Logger,
		audit:         deps.Audit,
		metrics:       deps.Metrics,
	}
}

// Handle processes one request/push frame from peerID and returns the
// message to write back: a *ProofResponse, *ProofAck, or
// *ProofErrorMessage.
func (d *Dispatcher) Handle(ctx context.Context, peerID string, raw json.RawMessage) any {
	if d.limiter != nil && !d.limiter.Allow(peerID) {
		if d.audit != nil {
			d.audit.LogRateLimited(ctx, peerID)
		}
		if d.metrics != nil {
			d.metrics.RateLimitedTotal.Inc()
		}
		return newError("", CodeRateLimited, "peer exceeded the request rate limit")
	}

	kind, err := PeekKind(raw)
	if err != nil {
		return newError("", CodeInvalidRequest, err.Error())
	}

	switch kind {
	case KindProofRequest:
		return d.handleProofRequest(ctx, raw)
	case KindProofPush:
		return d.handleProofPush(ctx, raw)
	default:
		return newError("", CodeInvalidRequest, fmt.Sprintf("unsupported message kind %q", kind))
	}
}

func (d *Dispatcher) handleProofRequest(ctx context.Context, raw json.RawMessage) any {
	var req ProofRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return newError("", CodeInvalidRequest, fmt.Sprintf("decode PROOF_REQUEST: %v", err))
	}

	hasID := req.CommitmentID != ""
	hasQuery := req.Query != nil
	if hasID == hasQuery {
		return newError(req.RequestID, CodeInvalidRequest, "request must specify exactly one of commitmentId or query")
	}

	opts := RequestOptions{}
	if req.Options != nil {
		opts = *req.Options
	}

	if hasID {
		return d.proveOne(ctx, req.RequestID, req.CommitmentID, opts)
	}
	return d.proveQuery(ctx, req.RequestID, *req.Query, opts)
}

func (d *Dispatcher) proveOne(ctx context.Context, requestID, commitmentID string, opts RequestOptions) any {
	if err := security.ValidateHexString(commitmentID, 32); err != nil {
		return newError(requestID, CodeInvalidRequest, err.Error())
	}

	c, err := d.store.Get(ctx, commitmentID)
	if err != nil {
		return d.internalError(ctx, requestID, err)
	}
	if c == nil {
		return newError(requestID, CodeNotFound, "no commitment with that id")
	}

	proof, err := d.store.Prove(ctx, commitmentID)
	if err != nil {
		return d.internalError(ctx, requestID, err)
	}
	if proof == nil {
		return newError(requestID, CodeNotAnchored, "commitment has no covering anchor yet")
	}
	if !confirmationSatisfied(proof, opts.MinConfirmations) {
		return newError(requestID, CodeNotAnchored, "commitment's anchor has not reached the requested confirmation depth")
	}

	resp := &ProofResponse{
		Kind:      KindProofResponse,
		RequestID: requestID,
		Proofs:    []*commitmentd.Proof{proof},
		Total:     1,
	}
	if opts.IncludePublicKey {
		resp.PublicKey = d.store.PublicKey()
	}
	if d.metrics != nil {
		d.metrics.ProofRequestsTotal.Inc()
	}
	return resp
}

func (d *Dispatcher) proveQuery(ctx context.Context, requestID string, q QuerySpec, opts RequestOptions) any {
	if q.Limit > d.maxQueryLimit {
		return newError(requestID, CodeInvalidRequest, fmt.Sprintf("query.limit %d exceeds the maximum of %d", q.Limit, d.maxQueryLimit))
	}
	if q.Type != "" {
		if err := security.ValidateCommitmentType(q.Type); err != nil {
			return newError(requestID, CodeInvalidRequest, err.Error())
		}
	}

	filters := store.Filters{
		Type:         q.Type,
		Subject:      q.Subject,
		Counterparty: q.Counterparty,
		Since:        q.Since,
		Until:        q.Until,
		Limit:        q.Limit,
		Offset:       q.Offset,
	}
	matches, err := d.store.Query(ctx, filters)
	if err != nil {
		return d.internalError(ctx, requestID, err)
	}

	proofs := make([]*commitmentd.Proof, 0, len(matches))
	for _, c := range matches {
		proof, err := d.store.Prove(ctx, c.ID)
		if err != nil {
			return d.internalError(ctx, requestID, err)
		}
		if proof == nil {
			// Unanchored: no proof exists yet either way. Total still
			// counts the match; requireAnchored has no further effect
			// here since an absent proof can't be included regardless.
			continue
		}
		if !confirmationSatisfied(proof, opts.MinConfirmations) {
			continue
		}
		proofs = append(proofs, proof)
	}

	resp := &ProofResponse{
		Kind:      KindProofResponse,
		RequestID: requestID,
		Proofs:    proofs,
		Total:     len(matches),
	}
	if opts.IncludePublicKey {
		resp.PublicKey = d.store.PublicKey()
	}
	if d.metrics != nil {
		d.metrics.ProofRequestsTotal.Inc()
	}
	return resp
}

// confirmationSatisfied applies minConfirmations (spec §6, "drop
// anchors below threshold"). The core has no notion of chain tip
// height — only whether an anchor has been confirmed at all — so any
// minConfirmations > 0 is treated as "must be confirmed", the
// strongest check this system can make without an external block
// explorer (a non-goal collaborator).
func confirmationSatisfied(proof *commitmentd.Proof, minConfirmations int) bool {
	if minConfirmations <= 0 {
		return true
	}
	return proof.Anchor.BlockHeight != nil
}

func (d *Dispatcher) handleProofPush(ctx context.Context, raw json.RawMessage) any {
	var push ProofPush
	if err := json.Unmarshal(raw, &push); err != nil {
		return newError("", CodeInvalidRequest, fmt.Sprintf("decode PROOF_PUSH: %v", err))
	}
	if push.Proof == nil {
		return &ProofAck{Kind: KindProofAck, PushID: push.PushID, Accepted: false}
	}

	ok, err := d.store.Verify(push.Proof, push.PublicKey)
	if err != nil {
		return d.internalError(ctx, push.PushID, err)
	}
	verified := ok
	return &ProofAck{Kind: KindProofAck, PushID: push.PushID, Accepted: ok, Verified: &verified}
}

func (d *Dispatcher) internalError(ctx context.Context, requestID string, err error) *ProofErrorMessage {
	if errors.Is(err, commitmentd.ErrNotFound) {
		return newError(requestID, CodeNotFound, err.Error())
	}
	if d.logger != nil {
		d.logger.WithContext(ctx).Error("proof service internal error", "error", err.Error())
	}
	if d.metrics != nil {
		d.metrics.ErrorsTotal.Inc()
	}
	return newError(requestID, CodeInternalError, "internal error")
}
