/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParseURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func TestResolve_RewritesContentIDReference(t *testing.T) {
	require := require.New(t)

	r := newURLResolver(16)
	r.register("1", "/Customers('A')")

	uri, err := resolve(r, "$1/Orders", true)
	require.NoError(err)
	require.Equal("/Customers('A')/Orders", uri)
}

func TestResolve_PassthroughOutsideChangesetWhenUnregistered(t *testing.T) {
	require := require.New(t)

	r := newURLResolver(16)
	uri, err := resolve(r, "$1/Orders", false)
	require.NoError(err)
	require.Equal("$1/Orders", uri)
}

func TestResolve_ErrorsInsideChangesetWhenUnregistered(t *testing.T) {
	require := require.New(t)

	r := newURLResolver(16)
	_, err := resolve(r, "$1/Orders", true)
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrUnresolvedContentID, berr.Kind)
}

func TestResolve_NonDollarURIPassesThroughUnchanged(t *testing.T) {
	require := require.New(t)

	r := newURLResolver(16)
	uri, err := resolve(r, "/Products", true)
	require.NoError(err)
	require.Equal("/Products", uri)
}

func TestURLResolver_ResetClearsRegistrations(t *testing.T) {
	require := require.New(t)

	r := newURLResolver(16)
	r.register("1", "/Customers('A')")
	require.True(r.contains("1"))
	r.reset()
	require.False(r.contains("1"))
}

func TestResolveAgainstBase_RelativeResolvesAgainstBaseURI(t *testing.T) {
	require := require.New(t)

	base := mustParseURL("https://example.com/odata/")
	require.Equal("https://example.com/odata/Products", resolveAgainstBase("Products", base))
	require.Equal("https://example.com/Products", resolveAgainstBase("/Products", base))
	require.Equal("https://other.example/Products", resolveAgainstBase("https://other.example/Products", base))
	require.Equal("$1/Orders", resolveAgainstBase("$1/Orders", base))
}
