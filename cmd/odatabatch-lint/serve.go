/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/voedger/odatabatch/pkg/odatabatch"
)

type serveParams struct {
	addr string
}

// newServeCmd wires a tiny demo HTTP endpoint that accepts a posted batch
// payload and relints it, writing the reader state after each Advance() (or
// the first error) back in the response body. Not part of the core reader: gorilla/mux only mounts
// this one route, kept out of the parser's own import graph.
func newServeCmd() *cobra.Command {
	p := &serveParams{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve a demo HTTP endpoint that relints posted batch payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(p)
		},
	}
	cmd.Flags().StringVar(&p.addr, "addr", ":8086", "listen address")
	return cmd
}

func runServe(p *serveParams) error {
	r := mux.NewRouter()
	r.HandleFunc("/relint", relintHandler).Methods(http.MethodPost)
	fmt.Printf("listening on %s (POST /relint)\n", p.addr)
	return http.ListenAndServe(p.addr, r)
}

func relintHandler(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	mediaType, params := contentTypeFromRequest(req)
	settings := odatabatch.NewSettings()
	var batchReader *odatabatch.BatchReader
	switch {
	case mediaType == "multipart/mixed":
		boundary := params["boundary"]
		if boundary == "" {
			http.Error(w, "missing boundary parameter", http.StatusBadRequest)
			return
		}
		batchReader = odatabatch.OpenMimeRequestReader(req.Body, boundary, settings)
	case mediaType == "application/json":
		batchReader = odatabatch.OpenJSONRequestReader(req.Body, settings)
	default:
		http.Error(w, "unsupported Content-Type", http.StatusUnsupportedMediaType)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for {
		more, err := batchReader.Advance()
		if err != nil {
			fmt.Fprintf(w, "ERROR: %v\n", err)
			return
		}
		fmt.Fprintf(w, "%s\n", batchReader.State())
		if batchReader.State() == odatabatch.StateOperation {
			if req, opErr := batchReader.CreateOperationRequest(); opErr == nil {
				body, _ := req.OpenBody()
				if body != nil {
					_, _ = io.Copy(io.Discard, body)
				}
			}
		}
		if !more {
			return
		}
	}
}

func contentTypeFromRequest(req *http.Request) (mediaType string, params map[string]string) {
	ct := req.Header.Get("Content-Type")
	params = map[string]string{}
	parts := strings.Split(ct, ";")
	if len(parts) == 0 {
		return "", params
	}
	mediaType = strings.ToLower(strings.TrimSpace(parts[0]))
	for _, part := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	return mediaType, params
}
