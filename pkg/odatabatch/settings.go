/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import "net/url"

const (
	DefaultMaxPartsPerBatch          = 100
	DefaultMaxOperationsPerChangeset = 100
)

// Settings controls quota enforcement and a few format details. Built with
// functional options, the way coreutils.ReqOptFunc configures a federation
// request.
type Settings struct {
	MaxPartsPerBatch             uint32
	MaxOperationsPerChangeset    uint32
	BaseURI                      *url.URL
	AllowLegacyContentIDInHTTPHeaders bool
}

// SettingsOptFunc mutates a Settings during construction.
type SettingsOptFunc func(*Settings)

// NewSettings builds a Settings with the package defaults, then applies opts.
func NewSettings(opts ...SettingsOptFunc) Settings {
	s := Settings{
		MaxPartsPerBatch:             DefaultMaxPartsPerBatch,
		MaxOperationsPerChangeset:    DefaultMaxOperationsPerChangeset,
		AllowLegacyContentIDInHTTPHeaders: true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func WithMaxPartsPerBatch(n uint32) SettingsOptFunc {
	return func(s *Settings) { s.MaxPartsPerBatch = n }
}

func WithMaxOperationsPerChangeset(n uint32) SettingsOptFunc {
	return func(s *Settings) { s.MaxOperationsPerChangeset = n }
}

func WithBaseURI(u *url.URL) SettingsOptFunc {
	return func(s *Settings) { s.BaseURI = u }
}

func WithLegacyContentIDInHTTPHeaders(allow bool) SettingsOptFunc {
	return func(s *Settings) { s.AllowLegacyContentIDInHTTPHeaders = allow }
}
