/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// crlf joins lines with the wire's required CRLF terminator, one line per
// call argument, matching the way router/impl_test.go builds HTTP fixtures
// line by line instead of embedding literal \r\n in a single string.
func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func TestMimeRequestReader_SimpleBatch(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: application/http",
		"Content-Transfer-Encoding: binary",
		"",
		"GET /Products HTTP/1.1",
		"Accept: application/json",
		"",
		"--batch_1--",
	)

	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", NewSettings())

	more, err := r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateOperation, r.State())

	req, err := r.CreateOperationRequest()
	require.NoError(err)
	require.Equal("GET", req.Method())
	require.Equal("/Products", req.URI())
	require.Equal("application/json", req.Headers().Get("Accept"))
	_, hasID := req.ContentID()
	require.False(hasID)

	body, err := req.OpenBody()
	require.NoError(err)
	n, err := io.Copy(io.Discard, body)
	require.NoError(err)
	require.Zero(n)

	more, err = r.Advance()
	require.NoError(err)
	require.False(more)
	require.Equal(StateCompleted, r.State())
}

func TestMimeRequestReader_ChangesetWithDependentRequest(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: multipart/mixed; boundary=changeset_1",
		"",
		"--changeset_1",
		"Content-Type: application/http",
		"Content-Transfer-Encoding: binary",
		"Content-ID: 1",
		"",
		"POST /Products HTTP/1.1",
		"Content-Type: application/json",
		"",
		`{"Name":"Widget"}`,
		"--changeset_1",
		"Content-Type: application/http",
		"Content-Transfer-Encoding: binary",
		"Content-ID: 2",
		"",
		"PATCH $1/Orders HTTP/1.1",
		"",
		"--changeset_1--",
		"--batch_1--",
	)

	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", NewSettings())

	more, err := r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateChangesetStart, r.State())

	more, err = r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateOperation, r.State())
	first, err := r.CreateOperationRequest()
	require.NoError(err)
	require.Equal("POST", first.Method())
	id, hasID := first.ContentID()
	require.True(hasID)
	require.Equal("1", id)
	body, err := first.OpenBody()
	require.NoError(err)
	raw, err := io.ReadAll(body)
	require.NoError(err)
	require.Equal(`{"Name":"Widget"}`, string(raw))

	more, err = r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateOperation, r.State())
	second, err := r.CreateOperationRequest()
	require.NoError(err)
	require.Equal("/Products/Orders", second.URI(), "$1/Orders must resolve against the first request's own URI")

	more, err = r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateChangesetEnd, r.State())

	more, err = r.Advance()
	require.NoError(err)
	require.False(more)
	require.Equal(StateCompleted, r.State())
}

func TestMimeRequestReader_NestedChangesetRejected(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: multipart/mixed; boundary=changeset_1",
		"",
		"--changeset_1",
		"Content-Type: multipart/mixed; boundary=changeset_2",
		"",
		"--changeset_2--",
		"--changeset_1--",
		"--batch_1--",
	)

	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", NewSettings())
	_, err := r.Advance()
	require.NoError(err)
	require.Equal(StateChangesetStart, r.State())

	_, err = r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrNestedChangesetNotAllowed, berr.Kind)
	require.Equal(StateException, r.State())
}

func TestMimeRequestReader_QueryMethodInChangesetRejected(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: multipart/mixed; boundary=changeset_1",
		"",
		"--changeset_1",
		"Content-Type: application/http",
		"Content-ID: 1",
		"",
		"GET /Products HTTP/1.1",
		"",
		"--changeset_1--",
		"--batch_1--",
	)

	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", NewSettings())
	_, err := r.Advance()
	require.NoError(err)

	_, err = r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrQueryMethodInChangeset, berr.Kind)
}

func TestMimeRequestReader_MissingContentIDInChangesetRejected(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: multipart/mixed; boundary=changeset_1",
		"",
		"--changeset_1",
		"Content-Type: application/http",
		"",
		"POST /Products HTTP/1.1",
		"",
		"--changeset_1--",
		"--batch_1--",
	)

	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", NewSettings())
	_, err := r.Advance()
	require.NoError(err)

	_, err = r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrMissingContentID, berr.Kind)
}

func TestMimeResponseReader_OrdinalsAndStatus(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: multipart/mixed; boundary=changeset_1",
		"",
		"--changeset_1",
		"Content-Type: application/http",
		"",
		"HTTP/1.1 201 Created",
		"",
		"--changeset_1",
		"Content-Type: application/http",
		"",
		"HTTP/1.1 204 No Content",
		"",
		"--changeset_1--",
		"--batch_1--",
	)

	r := OpenMimeResponseReader(strings.NewReader(payload), "batch_1", NewSettings())
	_, err := r.Advance()
	require.NoError(err)
	require.Equal(StateChangesetStart, r.State())

	_, err = r.Advance()
	require.NoError(err)
	resp, err := r.CreateOperationResponse()
	require.NoError(err)
	require.Equal(201, resp.StatusCode())
	require.Equal(1, resp.Ordinal())

	_, err = r.Advance()
	require.NoError(err)
	resp, err = r.CreateOperationResponse()
	require.NoError(err)
	require.Equal(204, resp.StatusCode())
	require.Equal(2, resp.Ordinal())
}

func TestMimeRequestReader_QuotaExceeded(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: application/http",
		"",
		"GET /A HTTP/1.1",
		"",
		"--batch_1",
		"Content-Type: application/http",
		"",
		"GET /B HTTP/1.1",
		"",
		"--batch_1--",
	)

	settings := NewSettings(WithMaxPartsPerBatch(1))
	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", settings)

	_, err := r.Advance()
	require.NoError(err)
	_, err = r.CreateOperationRequest()
	require.NoError(err)

	_, err = r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrQuotaExceeded, berr.Kind)
}

func TestMimeRequestReader_BodyAbortedOnDispose(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: application/http",
		"",
		"POST /Products HTTP/1.1",
		"",
		"hello",
		"--batch_1--",
	)

	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", NewSettings())
	_, err := r.Advance()
	require.NoError(err)
	req, err := r.CreateOperationRequest()
	require.NoError(err)
	body, err := req.OpenBody()
	require.NoError(err)

	r.Dispose()

	_, err = body.Read(make([]byte, 16))
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrStreamAborted, berr.Kind)
}

func TestMimeRequestReader_AdvanceRejectedWithLiveBodyStream(t *testing.T) {
	require := require.New(t)

	payload := crlf(
		"--batch_1",
		"Content-Type: application/http",
		"",
		"POST /Products HTTP/1.1",
		"",
		"hello",
		"--batch_1--",
	)

	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", NewSettings())
	_, err := r.Advance()
	require.NoError(err)
	req, err := r.CreateOperationRequest()
	require.NoError(err)
	_, err = req.OpenBody()
	require.NoError(err)

	_, err = r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrInvalidReaderState, berr.Kind)
}

func TestMimeRequestReader_EmptyBatch(t *testing.T) {
	require := require.New(t)

	payload := crlf("--batch_1--")
	r := OpenMimeRequestReader(strings.NewReader(payload), "batch_1", NewSettings())

	more, err := r.Advance()
	require.NoError(err)
	require.False(more)
	require.Equal(StateCompleted, r.State())
}
