package config

//go:generate go run ./internal/schema schema.json

import "github.com/invopop/jsonschema"

// GenerateSchema returns json schema of the extras file
func GenerateSchema() *jsonschema.Schema {
	s := jsonschema.Reflect(&YamlConfig{})
	s.Title = "Chainsail gateway extras configuration"
	s.Description = "Schema for extra endpoints proxied by the gateway"
	return s
}
