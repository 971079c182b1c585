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

func TestJSONRequestReader_GroupAndDependsOn(t *testing.T) {
	require := require.New(t)

	payload := `{"requests":[
		{"id":"r1","method":"POST","url":"/A","atomicityGroup":"g1"},
		{"id":"r2","method":"POST","url":"/B","atomicityGroup":"g1","dependsOn":["r1"]},
		{"id":"r3","method":"GET","url":"/C","dependsOn":["g1"]}
	]}`

	r := OpenJSONRequestReader(strings.NewReader(payload), NewSettings())

	more, err := r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateChangesetStart, r.State())

	more, err = r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateOperation, r.State())
	r1, err := r.CreateOperationRequest()
	require.NoError(err)
	require.Equal("r1", mustID(r1))
	require.Empty(r1.DependsOn())

	more, err = r.Advance()
	require.NoError(err)
	require.True(more)
	r2, err := r.CreateOperationRequest()
	require.NoError(err)
	require.Equal("r2", mustID(r2))
	require.Equal([]string{"r1"}, r2.DependsOn())

	more, err = r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateChangesetEnd, r.State())

	more, err = r.Advance()
	require.NoError(err)
	require.True(more)
	require.Equal(StateOperation, r.State())
	r3, err := r.CreateOperationRequest()
	require.NoError(err)
	require.Equal("r3", mustID(r3))
	require.Equal([]string{"r1", "r2"}, r3.DependsOn(), "dependsOn:[g1] must flatten to the group's members in join order")

	more, err = r.Advance()
	require.NoError(err)
	require.False(more)
	require.Equal(StateCompleted, r.State())
}

func TestJSONRequestReader_ForwardReferenceRejected(t *testing.T) {
	require := require.New(t)

	payload := `{"requests":[{"id":"r1","method":"POST","url":"/A","dependsOn":["rLater"]}]}`
	r := OpenJSONRequestReader(strings.NewReader(payload), NewSettings())

	_, err := r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrForwardReferenceNotAllowed, berr.Kind)
}

func TestJSONRequestReader_SelfGroupReferenceRejected(t *testing.T) {
	require := require.New(t)

	payload := `{"requests":[{"id":"r1","method":"POST","url":"/A","atomicityGroup":"g1","dependsOn":["g1"]}]}`
	r := OpenJSONRequestReader(strings.NewReader(payload), NewSettings())

	_, err := r.Advance() // ChangesetStart for g1
	require.NoError(err)
	require.Equal(StateChangesetStart, r.State())

	_, err = r.Advance() // Operation r1 - depends on its own group
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrSelfGroupReference, berr.Kind)
}

func TestJSONRequestReader_SelfReferenceRejected(t *testing.T) {
	require := require.New(t)

	payload := `{"requests":[{"id":"r1","method":"POST","url":"/A","dependsOn":["r1"]}]}`
	r := OpenJSONRequestReader(strings.NewReader(payload), NewSettings())

	_, err := r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrSelfReference, berr.Kind)
}

func TestJSONRequestReader_MustReferenceGroupRejected(t *testing.T) {
	require := require.New(t)

	payload := `{"requests":[
		{"id":"r1","method":"POST","url":"/A","atomicityGroup":"g1"},
		{"id":"r2","method":"POST","url":"/B","dependsOn":["r1"]}
	]}`
	r := OpenJSONRequestReader(strings.NewReader(payload), NewSettings())

	_, err := r.Advance() // ChangesetStart
	require.NoError(err)
	_, err = r.Advance() // Operation r1
	require.NoError(err)
	_, err = r.CreateOperationRequest()
	require.NoError(err)

	_, err = r.Advance() // ChangesetEnd (g1 closes, r2 has no group)
	require.NoError(err)
	require.Equal(StateChangesetEnd, r.State())

	_, err = r.Advance() // Operation r2 - must reference g1, not r1
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrMustReferenceGroup, berr.Kind)
}

func TestJSONRequestReader_BodyObjectSnapshot(t *testing.T) {
	require := require.New(t)

	payload := `{"requests":[{"id":"r1","method":"POST","url":"/A","body":{"Name":"Widget"}}]}`
	r := OpenJSONRequestReader(strings.NewReader(payload), NewSettings())

	_, err := r.Advance()
	require.NoError(err)
	req, err := r.CreateOperationRequest()
	require.NoError(err)
	body, err := req.OpenBody()
	require.NoError(err)
	raw, err := io.ReadAll(body)
	require.NoError(err)
	require.JSONEq(`{"Name":"Widget"}`, string(raw))
}

func TestJSONRequestReader_EmptyBatchObject(t *testing.T) {
	require := require.New(t)

	r := OpenJSONRequestReader(strings.NewReader(`{}`), NewSettings())
	more, err := r.Advance()
	require.NoError(err)
	require.False(more)
	require.Equal(StateCompleted, r.State())
}

func TestJSONResponseReader_SynthesizesIDWhenAbsent(t *testing.T) {
	require := require.New(t)

	payload := `{"responses":[{"status":200},{"id":"resp-2","status":204}]}`
	r := OpenJSONResponseReader(strings.NewReader(payload), NewSettings())

	_, err := r.Advance()
	require.NoError(err)
	resp, err := r.CreateOperationResponse()
	require.NoError(err)
	require.Equal(200, resp.StatusCode())
	id, hasID := resp.ContentID()
	require.False(hasID)
	require.NotEmpty(id, "a synthesized id must still be surfaced via ContentID")

	_, err = r.Advance()
	require.NoError(err)
	resp, err = r.CreateOperationResponse()
	require.NoError(err)
	gotID, hasID := resp.ContentID()
	require.True(hasID)
	require.Equal("resp-2", gotID)
}

func TestJSONRequestReader_ChangesetSizeResetsAcrossGroups(t *testing.T) {
	require := require.New(t)

	// Two changesets of two members each: the per-changeset quota must not
	// see the cumulative count across both groups.
	payload := `{"requests":[
		{"id":"r1","method":"POST","url":"/A","atomicityGroup":"g1"},
		{"id":"r2","method":"POST","url":"/B","atomicityGroup":"g1"},
		{"id":"r3","method":"POST","url":"/C","atomicityGroup":"g2"},
		{"id":"r4","method":"POST","url":"/D","atomicityGroup":"g2"}
	]}`
	r := OpenJSONRequestReader(strings.NewReader(payload), NewSettings(WithMaxOperationsPerChangeset(2)))

	for {
		more, err := r.Advance()
		require.NoError(err)
		if r.State() == StateOperation {
			_, err := r.CreateOperationRequest()
			require.NoError(err)
		}
		if !more {
			break
		}
	}
	require.Equal(StateCompleted, r.State())
}

func TestJSONRequestReader_DuplicateContentIDRejected(t *testing.T) {
	require := require.New(t)

	payload := `{"requests":[
		{"id":"r1","method":"POST","url":"/A"},
		{"id":"r1","method":"POST","url":"/B"}
	]}`
	r := OpenJSONRequestReader(strings.NewReader(payload), NewSettings())

	_, err := r.Advance()
	require.NoError(err)
	_, err = r.CreateOperationRequest()
	require.NoError(err)

	_, err = r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrDuplicateContentID, berr.Kind)
}

func TestJSONRequestReader_MissingRequiredPropertyRejected(t *testing.T) {
	require := require.New(t)

	r := OpenJSONRequestReader(strings.NewReader(`{"requests":[{"method":"GET","url":"/A"}]}`), NewSettings())
	_, err := r.Advance()
	require.Error(err)
	var berr *ODataBatchError
	require.ErrorAs(err, &berr)
	require.Equal(ErrMissingRequiredProperty, berr.Kind)
}

func mustID(r *OperationRequestMessage) string {
	id, _ := r.ContentID()
	return id
}
