/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/untillpro/gojay"
	"github.com/valyala/bytebufferpool"
)

// jsonDriver is the JSON batch reader, composed with an
// atomicGroupTracker for changeset synthesis. It turns gojay's push-style
// array decoding into the pull-based, one-element-ahead stream the façade
// needs: a producer goroutine feeds a capacity-1 channel. The driver holds
// one lookahead element; besides it, the channel can hold one more and the
// producer can have decoded a third while blocked on its send, so up to
// three elements are decoded ahead of what Advance() has consumed.
type jsonDriver struct {
	stream *jsonElementStream
	tracker *atomicGroupTracker

	lookahead      interface{}
	lookaheadReady bool
	exhausted      bool
}

func newJSONDriver(r io.Reader, dir direction) *jsonDriver {
	return &jsonDriver{
		stream:  startJSONElementStream(r, dir),
		tracker: newAtomicGroupTracker(),
	}
}

func (d *jsonDriver) step(r *BatchReader) (stepOutcome, error) {
	switch r.state {
	case StateInitial, StateOperation, StateChangesetStart, StateChangesetEnd:
		return d.advance(r)
	default:
		return stepOutcome{}, newBatchError(ErrInvalidReaderState, "json driver invoked from state %s", r.state)
	}
}

func (d *jsonDriver) peek() (interface{}, error, bool) {
	if d.lookaheadReady {
		return d.lookahead, nil, !d.exhausted
	}
	item, err, ok := d.stream.next()
	d.lookaheadReady = true
	if !ok {
		d.exhausted = true
		d.lookahead = nil
		return nil, err, false
	}
	d.lookahead = item
	return item, nil, true
}

func (d *jsonDriver) consumeLookahead() {
	d.lookaheadReady = false
	d.lookahead = nil
}

// advance is shared across every incoming state: peek the next element
// (without consuming it) and decide whether to close the active group,
// open a new one, emit its first/next operation, or complete the batch.
func (d *jsonDriver) advance(r *BatchReader) (stepOutcome, error) {
	item, err, ok := d.peek()
	if err != nil {
		return stepOutcome{}, err
	}
	if !ok {
		if r.insideChangeset {
			r.insideChangeset = false
			r.changesetSize = 0
			d.tracker.closeActive()
			return stepOutcome{state: StateChangesetEnd}, nil
		}
		return stepOutcome{state: StateCompleted}, nil
	}

	groupKey := elementGroupKey(item)

	if d.tracker.isEnd(groupKey) {
		r.insideChangeset = false
		r.changesetSize = 0
		d.tracker.closeActive()
		return stepOutcome{state: StateChangesetEnd}, nil
	}

	if groupKey != "" && d.tracker.activeGroupID == nil {
		r.insideChangeset = true
		d.tracker.openGroup(groupKey)
		return stepOutcome{state: StateChangesetStart}, nil
	}

	d.consumeLookahead()
	return d.buildOperation(r, item, groupKey)
}

func (d *jsonDriver) buildOperation(r *BatchReader, item interface{}, groupKey string) (stepOutcome, error) {
	if r.insideChangeset {
		r.changesetSize++
	} else {
		r.batchSize++
	}
	if err := r.quotaCheck(); err != nil {
		return stepOutcome{}, err
	}
	switch e := item.(type) {
	case *requestElement:
		return d.buildRequestOperation(r, e, groupKey)
	case *responseElement:
		return d.buildResponseOperation(r, e)
	default:
		return stepOutcome{}, newBatchError(ErrMalformedFraming, "unexpected JSON batch element type")
	}
}

func (d *jsonDriver) buildRequestOperation(r *BatchReader, e *requestElement, groupKey string) (stepOutcome, error) {
	if !e.hasID || !e.hasMethod || !e.hasURL {
		return stepOutcome{}, newBatchError(ErrMissingRequiredProperty, "JSON request missing id, method, or url")
	}
	if !recognizedMethods[e.Method] {
		return stepOutcome{}, newBatchError(ErrInvalidHTTPMethod, "unrecognized method %q", e.Method)
	}
	if d.tracker.seenRequests[e.ID] {
		return stepOutcome{}, newBatchError(ErrDuplicateContentID, "duplicate id %q in batch", e.ID)
	}
	if err := validateDependsOn(e.ID, groupKey, e.DependsOn, d.tracker); err != nil {
		return stepOutcome{}, err
	}
	d.tracker.addMember(e.ID, groupKey)
	flattened, err := d.tracker.flatten(e.DependsOn)
	if err != nil {
		return stepOutcome{}, err
	}

	headers := Header{}
	for k, v := range e.Headers {
		headers.Add(k, v)
	}

	resolvedURL, err := resolve(r.resolver, e.URL, r.insideChangeset)
	if err != nil {
		return stepOutcome{}, err
	}
	resolvedURL = resolveAgainstBase(resolvedURL, r.settings.BaseURI)

	msg := &OperationRequestMessage{
		owner: r, method: e.Method, uri: resolvedURL, headers: headers,
		rawBody: jsonBodyStream(e.Body, e.hasBody, headers),
		contentID: e.ID, hasContentID: true, dependsOn: flattened,
	}
	r.pendingContentID = e.ID
	r.hasPendingContentID = true
	return stepOutcome{state: StateOperation, request: msg}, nil
}

func (d *jsonDriver) buildResponseOperation(r *BatchReader, e *responseElement) (stepOutcome, error) {
	if !e.hasStatus {
		return stepOutcome{}, newBatchError(ErrMissingRequiredProperty, "JSON response missing status")
	}
	id := e.ID
	hasID := e.hasID
	if !hasID {
		// synthesized, per the design notes' open question — not registered
		// in the URL resolver, but still surfaced via ContentID() so a
		// caller can at least log which synthetic id was minted.
		id = uuid.NewString()
	}
	headers := Header{}
	for k, v := range e.Headers {
		headers.Add(k, v)
	}
	msg := &OperationResponseMessage{
		owner: r, status: e.Status, headers: headers,
		rawBody: jsonBodyStream(e.Body, e.hasBody, headers),
		contentID: id, hasContentID: hasID, ordinal: int(r.changesetSize),
	}
	return stepOutcome{state: StateOperation, response: msg}, nil
}

func elementGroupKey(item interface{}) string {
	if e, ok := item.(*requestElement); ok {
		return e.AtomicityGroup
	}
	return ""
}

// --- body replay ------------------------------------------------------

// jsonBodyPool pools the scratch buffer a JSON body snapshot is copied
// into before replay, the same pooling role bodyLinePool plays for MIME
// part bodies.
var jsonBodyPool bytebufferpool.Pool

// memoryBodyStream replays a JSON body value captured during decode.
type memoryBodyStream struct {
	buf      *bytebufferpool.ByteBuffer
	off      int
	aborted  bool
	returned bool
}

func (m *memoryBodyStream) Read(p []byte) (int, error) {
	if m.aborted {
		return 0, newBatchError(ErrStreamAborted, "body stream read after reader advanced")
	}
	if m.off >= m.buf.Len() {
		m.release()
		return 0, io.EOF
	}
	n := copy(p, m.buf.B[m.off:])
	m.off += n
	if m.off >= m.buf.Len() {
		m.release()
	}
	return n, nil
}

func (m *memoryBodyStream) abort() {
	m.aborted = true
	m.release()
}

func (m *memoryBodyStream) release() {
	if m.returned {
		return
	}
	m.returned = true
	jsonBodyPool.Put(m.buf)
}

// jsonBodyStream turns a captured body value into a ByteStream: raw JSON
// bytes for an object/array snapshot, or the unescaped string bytes when
// headers declare a textual content type.
func jsonBodyStream(raw gojay.EmbeddedJSON, hasBody bool, headers Header) abortableStream {
	buf := jsonBodyPool.Get()
	buf.Reset()
	if !hasBody {
		return &memoryBodyStream{buf: buf}
	}
	data := []byte(raw)
	if isTextualContentType(headers.Get("Content-Type")) {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			data = []byte(s)
		}
	}
	buf.Write(data)
	return &memoryBodyStream{buf: buf}
}

func isTextualContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _ := contentTypeParams(ct)
	return strings.HasPrefix(mt, "text/") || mt == "application/xml"
}

// --- gojay-driven element pump -----------------------------------------

type elementOrErr struct {
	item interface{}
	err  error
}

// jsonElementStream is the pull-based front the driver sees: next() blocks
// until the producer goroutine has decoded (at most) one more array
// element, or the array/object is exhausted/failed.
type jsonElementStream struct {
	ch   chan elementOrErr
	done bool
}

func startJSONElementStream(r io.Reader, dir direction) *jsonElementStream {
	s := &jsonElementStream{ch: make(chan elementOrErr, 1)}
	go func() {
		defer close(s.ch)
		dec := gojay.NewDecoder(r)
		top := &topLevelObject{dir: dir, ch: s.ch}
		if err := dec.DecodeObject(top); err != nil {
			var berr *ODataBatchError
			if !errors.As(err, &berr) {
				berr = wrapBatchError(ErrMalformedFraming, err, "decoding JSON batch: %v", err)
			}
			s.ch <- elementOrErr{err: berr}
			return
		}
		if !top.sawArrayKey && top.keyCount > 0 {
			s.ch <- elementOrErr{err: newBatchError(ErrUnexpectedTopLevelProperty, "top-level object must contain \"requests\" or \"responses\" as its first property")}
		}
	}()
	return s
}

func (s *jsonElementStream) next() (interface{}, error, bool) {
	if s.done {
		return nil, nil, false
	}
	v, ok := <-s.ch
	if !ok {
		s.done = true
		return nil, nil, false
	}
	if v.err != nil {
		s.done = true
		return nil, v.err, false
	}
	return v.item, nil, true
}

// topLevelObject recognizes exactly one of "requests"/"responses" as the
// array key (case-insensitive) and streams its elements into ch.
type topLevelObject struct {
	dir          direction
	ch           chan elementOrErr
	sawArrayKey  bool
	keyCount     int
}

func (t *topLevelObject) NKeys() int { return 0 }

func (t *topLevelObject) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	t.keyCount++
	switch strings.ToLower(key) {
	case "requests":
		if t.dir != directionRequest {
			return newBatchError(ErrUnexpectedTopLevelProperty, "\"requests\" array on a response batch")
		}
		t.sawArrayKey = true
		return dec.Array(&requestArray{ch: t.ch})
	case "responses":
		if t.dir != directionResponse {
			return newBatchError(ErrUnexpectedTopLevelProperty, "\"responses\" array on a request batch")
		}
		t.sawArrayKey = true
		return dec.Array(&responseArray{ch: t.ch})
	default:
		if !t.sawArrayKey {
			return newBatchError(ErrUnexpectedTopLevelProperty, "unexpected top-level property %q: \"requests\" or \"responses\" must be the first property", key)
		}
		return nil // properties after the array are ignored
	}
}

type requestArray struct{ ch chan elementOrErr }

func (a *requestArray) UnmarshalJSONArray(dec *gojay.Decoder) error {
	e := &requestElement{}
	if err := dec.Object(e); err != nil {
		return err
	}
	a.ch <- elementOrErr{item: e}
	return nil
}

type responseArray struct{ ch chan elementOrErr }

func (a *responseArray) UnmarshalJSONArray(dec *gojay.Decoder) error {
	e := &responseElement{}
	if err := dec.Object(e); err != nil {
		return err
	}
	a.ch <- elementOrErr{item: e}
	return nil
}

// requestElement buffers exactly the recognized properties of one JSON
// batch request.
type requestElement struct {
	ID             string
	Method         string
	URL            string
	AtomicityGroup string
	DependsOn      []string
	Headers        map[string]string
	Body           gojay.EmbeddedJSON

	hasID, hasMethod, hasURL, hasBody bool
}

func (e *requestElement) NKeys() int { return 0 }

func (e *requestElement) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch strings.ToLower(key) {
	case "id":
		e.hasID = true
		return dec.String(&e.ID)
	case "method":
		e.hasMethod = true
		if err := dec.String(&e.Method); err != nil {
			return err
		}
		e.Method = strings.ToUpper(e.Method)
		return nil
	case "url":
		e.hasURL = true
		return dec.String(&e.URL)
	case "atomicitygroup":
		return dec.String(&e.AtomicityGroup)
	case "dependson":
		arr := &stringArray{}
		if err := dec.Array(arr); err != nil {
			return err
		}
		e.DependsOn = arr.items
		return nil
	case "headers":
		m := &stringMap{}
		if err := dec.Object(m); err != nil {
			return err
		}
		e.Headers = m.items
		return nil
	case "body":
		e.hasBody = true
		return dec.EmbeddedJSON(&e.Body)
	default:
		return nil
	}
}

type responseElement struct {
	ID      string
	Status  int
	Headers map[string]string
	Body    gojay.EmbeddedJSON

	hasID, hasStatus, hasBody bool
}

func (e *responseElement) NKeys() int { return 0 }

func (e *responseElement) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch strings.ToLower(key) {
	case "id":
		e.hasID = true
		return dec.String(&e.ID)
	case "status":
		e.hasStatus = true
		return dec.Int(&e.Status)
	case "headers":
		m := &stringMap{}
		if err := dec.Object(m); err != nil {
			return err
		}
		e.Headers = m.items
		return nil
	case "body":
		e.hasBody = true
		return dec.EmbeddedJSON(&e.Body)
	default:
		return nil
	}
}

type stringArray struct{ items []string }

func (s *stringArray) UnmarshalJSONArray(dec *gojay.Decoder) error {
	var v string
	if err := dec.String(&v); err != nil {
		return err
	}
	s.items = append(s.items, v)
	return nil
}

type stringMap struct{ items map[string]string }

func (m *stringMap) NKeys() int { return 0 }

func (m *stringMap) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	var v string
	if err := dec.String(&v); err != nil {
		return err
	}
	if m.items == nil {
		m.items = map[string]string{}
	}
	m.items[key] = v
	return nil
}
