/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

// Package odatabatch implements the streaming core of an OData v4 batch
// reader: a pull-driven state machine that decomposes a multipart/mixed or
// JSON batch payload into its constituent operations, enforcing the
// ordering, dependency, and quota rules of the OData batch protocol.
package odatabatch

import (
	"context"
	"fmt"
	"io"

	"github.com/voedger/odatabatch/internal/obatchlog"
)

// stepOutcome is what a formatDriver produces for one Advance() call.
type stepOutcome struct {
	state     ReaderState
	request   *OperationRequestMessage
	response  *OperationResponseMessage
}

// formatDriver is the per-format "capability" the design notes call for:
// a tagged variant inside the façade instead of virtual dispatch across an
// inheritance hierarchy of reader subclasses.
type formatDriver interface {
	step(r *BatchReader) (stepOutcome, error)
}

// BatchReader is the façade: the single state machine a
// caller drives via Advance(), regardless of which wire format or
// direction (request/response) backs it.
type BatchReader struct {
	settings Settings
	dir      direction
	kind     payloadKind

	state      ReaderState
	opSubState operationSubState

	batchSize       uint32
	changesetSize   uint32
	insideChangeset bool

	resolver            *urlResolver
	pendingContentID    string
	hasPendingContentID bool

	currentRequest  *OperationRequestMessage
	currentResponse *OperationResponseMessage
	currentBody     abortableStream

	driver                   formatDriver
	fr                       *framer // used by mimeDriver only
	pendingChangesetBoundary string  // used by mimeDriver only

	disposed bool

	// logCtx carries the batch/changeset/state/reqid attrs attached to every
	// *Ctx log call this reader makes, refreshed as the state machine moves.
	logCtx context.Context
}

// abortableStream is satisfied by any body sub-stream implementation
// (MIME's boundedBodyReader or the JSON driver's in-memory replay reader)
// so the façade can abort whichever one is outstanding uniformly.
type abortableStream interface {
	ByteStream
	abort()
}

func newBatchReader(dir direction, kind payloadKind, settings Settings, driver formatDriver, fr *framer) *BatchReader {
	r := &BatchReader{
		settings: settings,
		dir:      dir,
		kind:     kind,
		state:    StateInitial,
		driver:   driver,
		fr:       fr,
	}
	r.resolver = newURLResolver(int(settings.MaxOperationsPerChangeset) * 2)
	r.logCtx = obatchlog.WithContextAttrs(context.Background(), obatchlog.LogAttr_Batch, kind.String())
	return r
}

// OpenMimeRequestReader opens a multipart/mixed batch of HTTP requests. The
// outer boundary is the one declared on the enclosing
// "Content-Type: multipart/mixed; boundary=..." header, parsed by the
// caller.
func OpenMimeRequestReader(r io.Reader, boundary string, settings Settings) *BatchReader {
	return openMimeReader(r, boundary, directionRequest, settings)
}

// OpenMimeResponseReader is the response-batch counterpart.
func OpenMimeResponseReader(r io.Reader, boundary string, settings Settings) *BatchReader {
	return openMimeReader(r, boundary, directionResponse, settings)
}

func openMimeReader(r io.Reader, boundary string, dir direction, settings Settings) *BatchReader {
	fr := newFramer(r)
	fr.pushBoundary(boundary)
	return newBatchReader(dir, payloadMime, settings, newMimeDriver(), fr)
}

// OpenJSONRequestReader opens a JSON batch whose top-level object carries a
// "requests" array.
func OpenJSONRequestReader(r io.Reader, settings Settings) *BatchReader {
	return newBatchReader(directionRequest, payloadJSON, settings, newJSONDriver(r, directionRequest), nil)
}

// OpenJSONResponseReader opens a JSON batch whose top-level object carries
// a "responses" array.
func OpenJSONResponseReader(r io.Reader, settings Settings) *BatchReader {
	return newBatchReader(directionResponse, payloadJSON, settings, newJSONDriver(r, directionResponse), nil)
}

// State reports the current position in the state machine. Never mutates
// observable state.
func (r *BatchReader) State() ReaderState { return r.state }

// Dispose aborts any in-flight body sub-stream and marks the reader unusable.
// A caller that stops driving Advance() should call this so the abandoned
// body stream fails with StreamAborted instead of silently reading stale or
// inconsistent bytes.
func (r *BatchReader) Dispose() {
	if r.disposed {
		return
	}
	r.disposed = true
	if r.currentBody != nil {
		r.currentBody.abort()
		r.currentBody = nil
	}
}

// Advance transitions the state machine to the next event. It returns
// false once the terminal Completed state is reached (a no-op on repeated
// calls). An error raised while stepping the format driver transitions to
// StateException; a call rejected by the entry checks (disposed reader,
// live body stream, operation message not yet created) returns
// InvalidReaderState and leaves the state unchanged.
func (r *BatchReader) Advance() (bool, error) {
	if r.disposed {
		return false, newBatchError(ErrInvalidReaderState, "reader disposed")
	}
	if r.state == StateCompleted {
		return false, nil
	}
	if r.state == StateException {
		return false, newBatchError(ErrInvalidReaderState, "advance called after reader entered Exception state")
	}
	if r.opSubState == subStateStreamRequested {
		return false, newBatchError(ErrInvalidReaderState, "advance called with a live body stream outstanding")
	}
	if r.state == StateOperation && r.opSubState == subStateNone {
		return false, newBatchError(ErrInvalidReaderState, "advance called before the operation message was created")
	}

	if r.currentBody != nil {
		r.currentBody.abort()
		r.currentBody = nil
	}

	r.publishPendingContentID()

	outcome, err := r.driver.step(r)
	if err != nil {
		r.state = StateException
		berr := AsBatchError(err, ErrMalformedFraming)
		r.logCtx = obatchlog.WithContextAttrs(r.logCtx, obatchlog.LogAttr_State, r.state.String())
		obatchlog.ErrorCtx(r.logCtx, fmt.Sprintf("batch reader entering Exception: %v", berr))
		return false, berr
	}

	r.state = outcome.state
	r.opSubState = subStateNone
	r.currentRequest = outcome.request
	r.currentResponse = outcome.response

	r.logCtx = obatchlog.WithContextAttrs(r.logCtx, obatchlog.LogAttr_State, r.state.String())
	r.logCtx = obatchlog.WithContextAttrs(r.logCtx, obatchlog.LogAttr_Changeset, r.insideChangeset)

	if obatchlog.IsTrace() {
		obatchlog.TraceCtx(r.logCtx, "batch reader advanced to ", r.state.String())
	}

	return r.state != StateCompleted, nil
}

// publishPendingContentID registers the Content-ID seen while reading the
// just-yielded operation, guaranteeing a request can reference prior
// siblings within the changeset but never itself or later ones.
func (r *BatchReader) publishPendingContentID() {
	if !r.hasPendingContentID {
		return
	}
	r.hasPendingContentID = false
	if r.pendingContentID == "" {
		return
	}
	r.logCtx = obatchlog.WithContextAttrs(r.logCtx, obatchlog.LogAttr_ReqID, r.pendingContentID)
	r.resolver.register(r.pendingContentID, r.currentRequestURIForPublish())
	r.pendingContentID = ""
}

func (r *BatchReader) currentRequestURIForPublish() string {
	if r.currentRequest != nil {
		return r.currentRequest.uri
	}
	return ""
}

// CreateOperationRequest materializes the request-side message at
// StateOperation. Fails outside that state, or if this reader was opened
// for responses.
func (r *BatchReader) CreateOperationRequest() (*OperationRequestMessage, error) {
	if r.dir != directionRequest {
		return nil, newBatchError(ErrInvalidReaderState, "reader was opened for responses")
	}
	if r.state != StateOperation {
		return nil, newBatchError(ErrInvalidReaderState, "CreateOperationRequest called outside Operation state")
	}
	if r.opSubState != subStateNone {
		return nil, newBatchError(ErrInvalidReaderState, "operation message already created")
	}
	if r.currentRequest == nil {
		return nil, newBatchError(ErrInvalidReaderState, "no request buffered for this operation")
	}
	r.opSubState = subStateMessageCreated
	return r.currentRequest, nil
}

// CreateOperationResponse is the response-side counterpart.
func (r *BatchReader) CreateOperationResponse() (*OperationResponseMessage, error) {
	if r.dir != directionResponse {
		return nil, newBatchError(ErrInvalidReaderState, "reader was opened for requests")
	}
	if r.state != StateOperation {
		return nil, newBatchError(ErrInvalidReaderState, "CreateOperationResponse called outside Operation state")
	}
	if r.opSubState != subStateNone {
		return nil, newBatchError(ErrInvalidReaderState, "operation message already created")
	}
	if r.currentResponse == nil {
		return nil, newBatchError(ErrInvalidReaderState, "no response buffered for this operation")
	}
	r.opSubState = subStateMessageCreated
	return r.currentResponse, nil
}

// openBodyStream wires a message's ByteStream to the sub-state machine so a
// second OpenBody call, or an Advance call mid-stream, is rejected.
func (r *BatchReader) openBodyStream(body abortableStream) ByteStream {
	r.opSubState = subStateStreamRequested
	r.currentBody = body
	return &trackedBodyStream{owner: r, inner: body}
}

// trackedBodyStream flips the façade's sub-state to StreamDisposed once the
// body has been read to EOF, allowing Advance to proceed without the
// caller making an explicit "close" call.
type trackedBodyStream struct {
	owner *BatchReader
	inner abortableStream
}

func (s *trackedBodyStream) Read(p []byte) (int, error) {
	n, err := s.inner.Read(p)
	if err == io.EOF {
		if s.owner.opSubState == subStateStreamRequested {
			s.owner.opSubState = subStateStreamDisposed
		}
	}
	return n, err
}

// quotaCheck enforces the batch-size/changeset-size limits after each
// increment, returning a fatal QuotaExceeded error on violation.
func (r *BatchReader) quotaCheck() error {
	if r.insideChangeset {
		if r.changesetSize > r.settings.MaxOperationsPerChangeset {
			return newBatchError(ErrQuotaExceeded, "changeset exceeds MaxOperationsPerChangeset=%d", r.settings.MaxOperationsPerChangeset)
		}
	} else {
		if r.batchSize > r.settings.MaxPartsPerBatch {
			return newBatchError(ErrQuotaExceeded, "batch exceeds MaxPartsPerBatch=%d", r.settings.MaxPartsPerBatch)
		}
	}
	return nil
}
