// Package configs provides embedded configuration templates for pkgsearch.
//
// Templates are embedded at build time so `pkgsearch config init` works from
// any distribution. Configuration precedence (see internal/config Load):
//  1. Hardcoded defaults
//  2. User config (~/.config/pkgsearch/config.yaml)
//  3. Project config (pkgsearch.yaml)
//  4. Environment variables (PKGSEARCH_*)
package configs

import _ "embed"

// ConfigTemplate is written by `pkgsearch config init`.
//
//go:embed config.example.yaml
var ConfigTemplate string

// CatalogTemplate is a small catalog file accepted by
// `pkgsearch catalog import` and `pkgsearch update --from`.
//
//go:embed catalog.example.yaml
var CatalogTemplate string
