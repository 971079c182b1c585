/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

// atomicGroupTracker turns the JSON atomicityGroup /
// dependsOn model into the same changeset event stream the MIME driver
// produces natively.
type atomicGroupTracker struct {
	activeGroupID *string
	groupMembers  map[string][]string // group id -> ordered request ids
	groupOrder    []string
	requestGroup  map[string]string // request id -> group id
	seenRequests  map[string]bool
}

func newAtomicGroupTracker() *atomicGroupTracker {
	return &atomicGroupTracker{
		groupMembers: map[string][]string{},
		requestGroup: map[string]string{},
		seenRequests: map[string]bool{},
	}
}

// openGroup marks groupID as the active group, ahead of the request that
// belongs to it actually being validated and added. Split from addMember so
// the driver can emit ChangesetStart before the triggering request's
// dependsOn has been validated against the group it is about to join.
func (t *atomicGroupTracker) openGroup(groupID string) (isNewGroup bool) {
	if _, ok := t.groupMembers[groupID]; !ok {
		t.groupMembers[groupID] = nil
		t.groupOrder = append(t.groupOrder, groupID)
		isNewGroup = true
	}
	id := groupID
	t.activeGroupID = &id
	return isNewGroup
}

// addMember records requestID as a member of groupID (groupID == "" means
// no group), after validateDependsOn has cleared it.
func (t *atomicGroupTracker) addMember(requestID, groupID string) {
	t.seenRequests[requestID] = true
	if groupID == "" {
		return
	}
	t.groupMembers[groupID] = append(t.groupMembers[groupID], requestID)
	t.requestGroup[requestID] = groupID
}

// isEnd reports whether the active group has closed: it is non-nil and
// nextGroupID differs from it (including nextGroupID == "").
func (t *atomicGroupTracker) isEnd(nextGroupID string) bool {
	return t.activeGroupID != nil && *t.activeGroupID != nextGroupID
}

// closeActive clears the active group marker once ChangesetEnd has been
// emitted for it.
func (t *atomicGroupTracker) closeActive() {
	t.activeGroupID = nil
}

// groupOf returns the group a request belongs to, if any.
func (t *atomicGroupTracker) groupOf(requestID string) (string, bool) {
	g, ok := t.requestGroup[requestID]
	return g, ok
}

// flatten expands dependsOn entries (request ids or group ids) into a flat,
// ordered, deduplicated list of request ids, enforcing "no forward
// references".
func (t *atomicGroupTracker) flatten(dependsOn []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	appendID := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, entry := range dependsOn {
		if members, ok := t.groupMembers[entry]; ok {
			for _, m := range members {
				appendID(m)
			}
			continue
		}
		if t.seenRequests[entry] {
			appendID(entry)
			continue
		}
		return nil, newBatchError(ErrForwardReferenceNotAllowed, "dependsOn entry %q is not a previously completed request or group", entry)
	}
	return out, nil
}

// validateDependsOn enforces the self-reference and must-reference-group
// rules at operation-creation time, before flatten is called. A member of
// the request's own group may be named directly; a member of any other
// group must be referenced through that group's id.
func validateDependsOn(requestID, groupID string, dependsOn []string, t *atomicGroupTracker) error {
	for _, entry := range dependsOn {
		if entry == requestID {
			return newBatchError(ErrSelfReference, "request %q cannot depend on itself", requestID)
		}
		if groupID != "" && entry == groupID {
			return newBatchError(ErrSelfGroupReference, "request %q cannot depend on its own group %q", requestID, groupID)
		}
		if g, ok := t.requestGroup[entry]; ok && g != groupID {
			return newBatchError(ErrMustReferenceGroup, "request %q must depend on group %q instead of member request %q", requestID, g, entry)
		}
	}
	return nil
}
