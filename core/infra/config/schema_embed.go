package config

import "embed"

const bundleSchemaFile = "schema/bundle.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
