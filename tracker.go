package claudeagent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// frameWriter is the part of the transport the tracker and dispatcher
// need: a way to put one whole frame on the wire.
type frameWriter interface {
	Write(ctx context.Context, msg any) error
}

// controlResult is what a waiter on an outbound request receives.
type controlResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one outbound control request awaiting its response.
type pendingRequest struct {
	subtype string
	timer   *time.Timer
	done    chan controlResult
}

// requestTracker correlates outbound control requests with their
// responses. Every pending entry owns exactly one timer, and whichever of
// the response, the timer or a close removes the entry first delivers the
// only result the waiter will see.
type requestTracker struct {
	log zerolog.Logger

	// entropy supplies the random id suffix.
	entropy io.Reader

	mu      sync.Mutex
	counter uint64
	pending map[string]*pendingRequest
	closed  error
}

func newRequestTracker(log zerolog.Logger) *requestTracker {
	return &requestTracker{
		log:     log.With().Str("component", "tracker").Logger(),
		entropy: rand.Reader,
		pending: make(map[string]*pendingRequest),
	}
}

// nextIDLocked returns req_<counter>_<8 hex>. The counter alone keeps ids
// unique within the session; the random suffix keeps them distinct across
// sessions sharing a log.
func (t *requestTracker) nextIDLocked() (string, error) {
	var suffix [4]byte
	if _, err := io.ReadFull(t.entropy, suffix[:]); err != nil {
		return "", fmt.Errorf("failed to generate request id: %w", err)
	}

	t.counter++
	return fmt.Sprintf("req_%d_%s", t.counter, hex.EncodeToString(suffix[:])), nil
}

// register allocates an id and arms the timeout before the request is
// written, so a response can never arrive for an unknown id.
func (t *requestTracker) register(
	subtype string,
	timeout time.Duration,
) (string, <-chan controlResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return "", nil, t.closed
	}

	id, err := t.nextIDLocked()
	if err != nil {
		return "", nil, err
	}
	req := &pendingRequest{
		subtype: subtype,
		done:    make(chan controlResult, 1),
	}
	req.timer = time.AfterFunc(timeout, func() {
		t.expire(id, req, timeout)
	})
	t.pending[id] = req

	return id, req.done, nil
}

// expire runs on the timer goroutine.
func (t *requestTracker) expire(id string, req *pendingRequest, after time.Duration) {
	t.mu.Lock()
	current, ok := t.pending[id]
	if !ok || current != req {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	t.log.Warn().
		Str("request_id", id).
		Str("subtype", req.subtype).
		Dur("after", after).
		Msg("control request timed out")

	req.done <- controlResult{err: &ErrTimeout{
		RequestID: id,
		Subtype:   req.subtype,
		After:     after,
	}}
}

// resolve delivers a control_response to its waiter. It reports false for
// late or unknown responses, which are dropped.
func (t *requestTracker) resolve(resp SDKControlResponseBody) bool {
	t.mu.Lock()
	req, ok := t.pending[resp.RequestID]
	if ok {
		delete(t.pending, resp.RequestID)
		req.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		t.log.Debug().
			Err(ErrLateResponse).
			Str("request_id", resp.RequestID).
			Msg("dropping control response")
		return false
	}

	if resp.Subtype == "error" {
		req.done <- controlResult{err: &ErrControlRequest{
			RequestID: resp.RequestID,
			Subtype:   req.subtype,
			Message:   resp.Error,
		}}
		return true
	}

	req.done <- controlResult{payload: resp.Response}
	return true
}

// abandon removes an entry whose waiter has gone away.
func (t *requestTracker) abandon(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req, ok := t.pending[id]; ok {
		req.timer.Stop()
		delete(t.pending, id)
	}
}

// closeAll fails every pending request with ErrConnectionClosed and makes
// later registrations fail the same way.
func (t *requestTracker) closeAll(cause error) {
	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return
	}
	closedErr := &ErrConnectionClosed{Cause: cause}
	t.closed = closedErr

	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for id, req := range pending {
		req.timer.Stop()
		t.log.Debug().Str("request_id", id).Msg("failing pending request on close")
		req.done <- controlResult{err: closedErr}
	}
}

// pendingCount is used by tests to observe cleanup.
func (t *requestTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// send frames and writes an outbound control request and waits for its
// response, timeout or close.
func (t *requestTracker) send(
	ctx context.Context,
	w frameWriter,
	subtype string,
	payload any,
	timeout time.Duration,
) (json.RawMessage, error) {
	body, err := encodeRequestBody(subtype, payload)
	if err != nil {
		return nil, err
	}

	id, done, err := t.register(subtype, timeout)
	if err != nil {
		return nil, err
	}

	t.log.Debug().
		Str("request_id", id).
		Str("subtype", subtype).
		Msg("sending control request")

	frame := SDKControlRequest{
		Type:      "control_request",
		RequestID: id,
		Request:   body,
	}
	if err := w.Write(ctx, frame); err != nil {
		t.abandon(id)
		return nil, fmt.Errorf("failed to send %s request: %w", subtype, err)
	}

	select {
	case res := <-done:
		return res.payload, res.err

	case <-ctx.Done():
		t.abandon(id)
		return nil, ctx.Err()
	}
}

// encodeRequestBody merges the subtype into the payload object. A nil
// payload yields a body carrying only the subtype.
func encodeRequestBody(subtype string, payload any) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w",
				subtype, err)
		}
		if string(data) != "null" {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, fmt.Errorf("%s payload must be a JSON "+
					"object: %w", subtype, err)
			}
		}
	}

	subtypeJSON, err := json.Marshal(subtype)
	if err != nil {
		return nil, err
	}
	fields["subtype"] = subtypeJSON

	return json.Marshal(fields)
}
