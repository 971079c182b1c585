/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaderBlock_FoldedContinuationAndMultiValue(t *testing.T) {
	require := require.New(t)

	block := crlf(
		"Content-Type: application/http",
		"Accept: application/json",
		"Accept: text/plain",
		"X-Long:  first part",
		"  continued part",
		"",
	)
	fr := newFramer(strings.NewReader(block))
	h, err := parseHeaderBlock(fr)
	require.NoError(err)
	require.Equal("application/http", h.Get("Content-Type"))
	require.Equal("application/json, text/plain", h.Get("Accept"))
	require.Equal("first part continued part", h.Get("X-Long"))
}

func TestParseHeaderBlock_DuplicateSingleValueHeaderRejected(t *testing.T) {
	require := require.New(t)

	block := crlf(
		"Content-Id: 1",
		"Content-Id: 2",
		"",
	)
	fr := newFramer(strings.NewReader(block))
	_, err := parseHeaderBlock(fr)
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrMalformedFraming, berr.Kind)
}

func TestParseHeaderBlock_UnsupportedContentTransferEncodingRejected(t *testing.T) {
	require := require.New(t)

	block := crlf(
		"Content-Transfer-Encoding: quoted-printable",
		"",
	)
	fr := newFramer(strings.NewReader(block))
	_, err := parseHeaderBlock(fr)
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrMalformedFraming, berr.Kind)
}

func TestContentTypeParams_BareAndQuotedBoundary(t *testing.T) {
	require := require.New(t)

	mt, params := contentTypeParams("multipart/mixed; boundary=abc123")
	require.Equal("multipart/mixed", mt)
	require.Equal("abc123", params["boundary"])

	mt, params = contentTypeParams(`multipart/mixed; boundary="abc 123"`)
	require.Equal("multipart/mixed", mt)
	require.Equal("abc 123", params["boundary"])
}
