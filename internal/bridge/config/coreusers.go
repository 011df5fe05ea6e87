package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed core_users.schema.json
var coreUsersSchema string

// coreUsersFile is the on-disk shape of CORE_USERS_FILE.
type coreUsersFile struct {
	Users []CoreUser `yaml:"users"`
}

// LoadCoreUsers reads a YAML core-users file, validates it against the
// embedded JSON schema, and returns the user list.
func LoadCoreUsers(path string) ([]CoreUser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCoreUsers(data)
}

// ParseCoreUsers decodes and validates a core-users document.
func ParseCoreUsers(data []byte) ([]CoreUser, error) {
	// Schema validation runs on the JSON form of the document so the schema
	// semantics match what jsonschema expects from json.Unmarshal output.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize yaml: %w", err)
	}
	var doc any
	if err := json.NewDecoder(bytes.NewReader(jsonBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("normalize yaml: %w", err)
	}

	schema, err := jsonschema.CompileString("core_users.schema.json", coreUsersSchema)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var f coreUsersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return f.Users, nil
}
