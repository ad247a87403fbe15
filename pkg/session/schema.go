package session

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed checkpoint.schema.json
var recordSchemaJSON []byte

var recordSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(recordSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile checkpoint schema: %w", err)
	}
	return schema, nil
})

func validateRecord(line []byte) error {
	schema, err := recordSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(line)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
