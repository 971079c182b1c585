/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"net/textproto"
	"strings"

	"golang.org/x/exp/slices"
)

// Header is a case-insensitive multi-map of header values, built the way
// net/http.Header is, but validated against the OData batch rules for
// single-value headers.
type Header map[string][]string

// singleValueHeaders must appear at most once per part; a duplicate is
// InvalidBatchMessage territory (folded into MalformedFraming here, since
// has no separate error kind for it).
var singleValueHeaders = []string{"Content-Id", "Content-Type", "Content-Transfer-Encoding"}

func (h Header) Add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	h[key] = append(h[key], value)
}

// Get returns the first value for name, or "" if absent.
func (h Header) Get(name string) string {
	v := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func (h Header) has(name string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// parseHeaderBlock reads "Name: Value" lines (with RFC 822 folding) until a
// blank line, via the framer's line reader, and validates the single-value
// and Content-Transfer-Encoding constraints.
func parseHeaderBlock(fr *framer) (Header, error) {
	h := Header{}
	var lastKey string
	for {
		line, err := fr.readLine()
		if err != nil {
			return nil, wrapBatchError(ErrMalformedFraming, err, "reading header block: %v", err)
		}
		if len(line) == 0 {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			// folded continuation of the previous header value.
			canonical := textproto.CanonicalMIMEHeaderKey(lastKey)
			vals := h[canonical]
			if n := len(vals); n > 0 {
				vals[n-1] = vals[n-1] + " " + strings.TrimSpace(string(line))
			}
			continue
		}
		idx := indexByte(line, ':')
		if idx < 0 {
			return nil, newBatchError(ErrMalformedFraming, "header line without ':': %q", string(line))
		}
		name := strings.TrimSpace(string(line[:idx]))
		value := strings.TrimSpace(string(line[idx+1:]))
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if slices.Contains(singleValueHeaders, canonical) {
			if h.has(name) {
				return nil, newBatchError(ErrMalformedFraming, "duplicate single-value header %q", canonical)
			}
			h[canonical] = []string{value}
		} else if existing, ok := h[canonical]; ok {
			h[canonical] = []string{strings.Join(append(existing, value), ", ")}
		} else {
			h[canonical] = []string{value}
		}
		lastKey = name
	}
	if cte := h.Get("Content-Transfer-Encoding"); cte != "" {
		if !strings.EqualFold(cte, "binary") && !strings.EqualFold(cte, "8bit") {
			return nil, newBatchError(ErrMalformedFraming, "unsupported Content-Transfer-Encoding %q", cte)
		}
	}
	return h, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// contentTypeParams splits "multipart/mixed; boundary=abc" into the bare
// media type and its parameters, accepting both bare and quoted parameter
// values (SPEC_FULL supplement 1).
func contentTypeParams(contentType string) (mediaType string, params map[string]string) {
	params = map[string]string{}
	parts := strings.Split(contentType, ";")
	if len(parts) == 0 {
		return "", params
	}
	mediaType = strings.ToLower(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		val = strings.Trim(val, `"`)
		params[key] = val
	}
	return mediaType, params
}
