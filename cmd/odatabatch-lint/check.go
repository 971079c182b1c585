/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package main

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/voedger/odatabatch/pkg/odatabatch"
)

type checkParams struct {
	format           string
	direction        string
	boundary         string
	baseURI          string
	maxParts         uint32
	maxChangesetOps  uint32
	legacyContentID  bool
}

func newCheckCmd() *cobra.Command {
	p := &checkParams{}
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "read a batch payload end to end and print the event stream, or the first error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(args[0], p)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&p.format, "format", "mime", "payload format: mime or json")
	flags.StringVar(&p.direction, "direction", "request", "batch direction: request or response")
	flags.StringVar(&p.boundary, "boundary", "", "outer multipart boundary (required for --format=mime)")
	flags.StringVar(&p.baseURI, "base-uri", "", "base URI relative request/response URLs resolve against")
	flags.Uint32Var(&p.maxParts, "max-parts", 100, "MaxPartsPerBatch quota")
	flags.Uint32Var(&p.maxChangesetOps, "max-changeset-ops", 100, "MaxOperationsPerChangeset quota")
	flags.BoolVar(&p.legacyContentID, "allow-legacy-content-id", true, "accept Content-ID folded into the embedded HTTP headers")
	return cmd
}

func runCheck(path string, p *checkParams) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	opts := []odatabatch.SettingsOptFunc{
		odatabatch.WithMaxPartsPerBatch(p.maxParts),
		odatabatch.WithMaxOperationsPerChangeset(p.maxChangesetOps),
		odatabatch.WithLegacyContentIDInHTTPHeaders(p.legacyContentID),
	}
	if p.baseURI != "" {
		u, err := url.Parse(p.baseURI)
		if err != nil {
			return fmt.Errorf("parsing --base-uri: %w", err)
		}
		opts = append(opts, odatabatch.WithBaseURI(u))
	}
	settings := odatabatch.NewSettings(opts...)

	isRequest := p.direction != "response"

	var r *odatabatch.BatchReader
	switch p.format {
	case "mime":
		if p.boundary == "" {
			return fmt.Errorf("--boundary is required for --format=mime")
		}
		if isRequest {
			r = odatabatch.OpenMimeRequestReader(f, p.boundary, settings)
		} else {
			r = odatabatch.OpenMimeResponseReader(f, p.boundary, settings)
		}
	case "json":
		if isRequest {
			r = odatabatch.OpenJSONRequestReader(f, settings)
		} else {
			r = odatabatch.OpenJSONResponseReader(f, settings)
		}
	default:
		return fmt.Errorf("unknown --format %q: want mime or json", p.format)
	}

	return printEventStream(r, isRequest)
}

func printEventStream(r *odatabatch.BatchReader, isRequest bool) error {
	for {
		more, err := r.Advance()
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			return err
		}
		switch r.State() {
		case odatabatch.StateChangesetStart:
			fmt.Println("ChangesetStart")
		case odatabatch.StateChangesetEnd:
			fmt.Println("ChangesetEnd")
		case odatabatch.StateOperation:
			if err := printOperation(r, isRequest); err != nil {
				fmt.Printf("ERROR: %v\n", err)
				return err
			}
		case odatabatch.StateCompleted:
			fmt.Println("Completed")
		}
		if !more {
			return nil
		}
	}
}

func printOperation(r *odatabatch.BatchReader, isRequest bool) error {
	if isRequest {
		req, err := r.CreateOperationRequest()
		if err != nil {
			return err
		}
		id, hasID := req.ContentID()
		fmt.Printf("Operation request: %s %s content-id=%q(%v) dependsOn=%v\n", req.Method(), req.URI(), id, hasID, req.DependsOn())
		body, err := req.OpenBody()
		if err != nil {
			return err
		}
		n, err := drain(body)
		if err != nil {
			return err
		}
		fmt.Printf("  body: %d bytes\n", n)
		return nil
	}
	resp, err := r.CreateOperationResponse()
	if err != nil {
		return err
	}
	id, hasID := resp.ContentID()
	fmt.Printf("Operation response: %d content-id=%q(%v) ordinal=%d\n", resp.StatusCode(), id, hasID, resp.Ordinal())
	body, err := resp.OpenBody()
	if err != nil {
		return err
	}
	n, err := drain(body)
	if err != nil {
		return err
	}
	fmt.Printf("  body: %d bytes\n", n)
	return nil
}

func drain(body odatabatch.ByteStream) (int, error) {
	buf := make([]byte, 4096)
	total := 0
	for {
		n, err := body.Read(buf)
		total += n
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
