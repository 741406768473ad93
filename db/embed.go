// Package db provides the embedded database schema and the sample catalog
// used to seed an empty store.
package db

import _ "embed"

// Schema contains the DDL statements for all application tables.
//
//go:embed migrations/001_schema.sql
var Schema string

// SampleCatalog is the Tushar QuickCart starter catalog in the catalog file
// format.
//
//go:embed catalog.json
var SampleCatalog []byte
