/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"net/url"
	"strconv"
	"strings"
)

// mimeDriver is the multipart/mixed batch reader.
type mimeDriver struct{}

func newMimeDriver() *mimeDriver { return &mimeDriver{} }

func (d *mimeDriver) step(r *BatchReader) (stepOutcome, error) {
	switch r.state {
	case StateInitial:
		return d.stepInitial(r)
	case StateChangesetStart:
		return d.stepEnterChangeset(r)
	case StateOperation, StateChangesetEnd:
		return d.continueScanning(r)
	default:
		return stepOutcome{}, newBatchError(ErrInvalidReaderState, "mime driver invoked from state %s", r.state)
	}
}

func (d *mimeDriver) stepInitial(r *BatchReader) (stepOutcome, error) {
	found, isEnd, _, err := r.fr.skipToBoundary()
	if err != nil {
		return stepOutcome{}, err
	}
	if !found {
		return stepOutcome{}, newBatchError(ErrMalformedFraming, "no boundary found for the outer batch")
	}
	if isEnd {
		return stepOutcome{state: StateCompleted}, nil
	}
	return d.enterPart(r)
}

func (d *mimeDriver) stepEnterChangeset(r *BatchReader) (stepOutcome, error) {
	r.fr.pushBoundary(r.pendingChangesetBoundary)
	r.pendingChangesetBoundary = ""
	r.insideChangeset = true
	r.changesetSize = 0
	return d.continueScanning(r)
}

// continueScanning implements the shared tail of the Operation and
// ChangesetEnd transitions: skip to the next boundary and decide whether
// that starts a new operation, closes the current changeset, reaches the
// implicit close of a changeset missing its own end-boundary (isParent),
// or ends the whole batch.
func (d *mimeDriver) continueScanning(r *BatchReader) (stepOutcome, error) {
	found, isEnd, isParent, err := r.fr.skipToBoundary()
	if err != nil {
		return stepOutcome{}, err
	}
	if isParent {
		if !r.insideChangeset {
			return stepOutcome{}, newBatchError(ErrMalformedFraming, "unexpected enclosing boundary outside any changeset")
		}
		r.fr.popBoundary()
		r.insideChangeset = false
		r.changesetSize = 0
		r.resolver.reset()
		if isEnd {
			return stepOutcome{state: StateCompleted}, nil
		}
		return d.enterPart(r)
	}
	if !found {
		return stepOutcome{}, newBatchError(ErrMalformedFraming, "truncated batch: missing end boundary")
	}
	if isEnd {
		if r.insideChangeset {
			r.fr.popBoundary()
			r.insideChangeset = false
			r.changesetSize = 0
			r.resolver.reset()
			return stepOutcome{state: StateChangesetEnd}, nil
		}
		return stepOutcome{state: StateCompleted}, nil
	}
	return d.enterPart(r)
}

// enterPart parses the MIME headers of the part that just started and
// decides whether it is a nested changeset or an application/http
// operation.
func (d *mimeDriver) enterPart(r *BatchReader) (stepOutcome, error) {
	headers, err := parseHeaderBlock(r.fr)
	if err != nil {
		return stepOutcome{}, err
	}
	mediaType, params := contentTypeParams(headers.Get("Content-Type"))
	if mediaType == "multipart/mixed" {
		if r.insideChangeset {
			return stepOutcome{}, newBatchError(ErrNestedChangesetNotAllowed, "nested multipart/mixed inside a changeset")
		}
		boundary := params["boundary"]
		if boundary == "" {
			return stepOutcome{}, newBatchError(ErrMalformedFraming, "multipart/mixed part missing boundary parameter")
		}
		r.pendingChangesetBoundary = boundary
		return stepOutcome{state: StateChangesetStart}, nil
	}
	if r.insideChangeset {
		r.changesetSize++
	} else {
		r.batchSize++
	}
	if err := r.quotaCheck(); err != nil {
		return stepOutcome{}, err
	}
	return d.buildOperation(r, headers)
}

// buildOperation reads the embedded HTTP request/status line and its own
// header block, then exposes the bounded body sub-stream.
func (d *mimeDriver) buildOperation(r *BatchReader, partHeaders Header) (stepOutcome, error) {
	contentID, hasContentID := partHeaders.Get("Content-Id"), partHeaders.has("Content-Id")

	line, err := r.fr.readLine()
	if err != nil {
		return stepOutcome{}, wrapBatchError(ErrMalformedFraming, err, "reading embedded HTTP line: %v", err)
	}
	for len(line) == 0 {
		line, err = r.fr.readLine()
		if err != nil {
			return stepOutcome{}, wrapBatchError(ErrMalformedFraming, err, "reading embedded HTTP line: %v", err)
		}
	}

	httpHeaders, err := parseHeaderBlock(r.fr)
	if err != nil {
		return stepOutcome{}, err
	}
	if !hasContentID && r.settings.AllowLegacyContentIDInHTTPHeaders && httpHeaders.has("Content-Id") {
		contentID, hasContentID = httpHeaders.Get("Content-Id"), true
	}

	body := r.fr.openBody()

	if r.dir == directionRequest {
		method, uri, err := parseRequestLine(line)
		if err != nil {
			return stepOutcome{}, err
		}
		if !recognizedMethods[method] {
			return stepOutcome{}, newBatchError(ErrInvalidHTTPMethod, "unrecognized method %q", method)
		}
		if r.insideChangeset {
			if isQueryMethod(method) {
				return stepOutcome{}, newBatchError(ErrQueryMethodInChangeset, "query method %s not allowed in a changeset", method)
			}
			if !hasContentID {
				return stepOutcome{}, newBatchError(ErrMissingContentID, "request inside changeset is missing Content-ID")
			}
			if r.resolver.contains(contentID) {
				return stepOutcome{}, newBatchError(ErrDuplicateContentID, "duplicate Content-ID %q in changeset", contentID)
			}
		}
		resolvedURI, err := resolve(r.resolver, uri, r.insideChangeset)
		if err != nil {
			return stepOutcome{}, err
		}
		resolvedURI = resolveAgainstBase(resolvedURI, r.settings.BaseURI)
		msg := &OperationRequestMessage{
			owner: r, method: method, uri: resolvedURI, headers: httpHeaders,
			rawBody: body, contentID: contentID, hasContentID: hasContentID,
		}
		r.pendingContentID = contentID
		r.hasPendingContentID = hasContentID
		return stepOutcome{state: StateOperation, request: msg}, nil
	}

	status, err := parseStatusLine(line)
	if err != nil {
		return stepOutcome{}, err
	}
	msg := &OperationResponseMessage{
		owner: r, status: status, headers: httpHeaders,
		rawBody: body, contentID: contentID, hasContentID: hasContentID,
		ordinal: int(r.changesetSize),
	}
	return stepOutcome{state: StateOperation, response: msg}, nil
}

// parseRequestLine splits on the first and last space so a URI containing
// spaces is still recovered whole.
func parseRequestLine(line []byte) (method, uri string, err error) {
	s := string(line)
	first := strings.IndexByte(s, ' ')
	last := strings.LastIndexByte(s, ' ')
	if first < 0 || last <= first {
		return "", "", newBatchError(ErrInvalidRequestLine, "malformed request line %q", s)
	}
	method = s[:first]
	version := s[last+1:]
	uri = s[first+1 : last]
	if version != "HTTP/1.1" {
		return "", "", newBatchError(ErrInvalidHTTPVersion, "unsupported HTTP version %q", version)
	}
	return method, uri, nil
}

func parseStatusLine(line []byte) (int, error) {
	s := string(line)
	first := strings.IndexByte(s, ' ')
	if first < 0 {
		return 0, newBatchError(ErrInvalidResponseLine, "malformed status line %q", s)
	}
	version := s[:first]
	if version != "HTTP/1.1" {
		return 0, newBatchError(ErrInvalidHTTPVersion, "unsupported HTTP version %q", version)
	}
	rest := strings.TrimSpace(s[first+1:])
	codeStr := rest
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		codeStr = rest[:sp]
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, newBatchError(ErrInvalidResponseLine, "malformed status code %q", codeStr)
	}
	return code, nil
}

func resolveAgainstBase(uri string, base *url.URL) string {
	if base == nil || strings.HasPrefix(uri, "$") {
		return uri
	}
	ref, err := url.Parse(uri)
	if err != nil || ref.IsAbs() {
		return uri
	}
	return base.ResolveReference(ref).String()
}
