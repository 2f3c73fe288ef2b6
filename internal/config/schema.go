package config

import "github.com/invopop/jsonschema"

// LayoutSchema describes the layout file for editors and CI validation.
func LayoutSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{}
	schema := reflector.Reflect(new(Layout))
	schema.Title = "netreplica interest layout"
	schema.Description = "Validates the YAML file named by NETREPLICA_LAYOUT_PATH"
	return schema
}
