// Package commands binds every command in spec's canonical command set
// to the registry: parameter schemas, validation, and handlers wired
// against the daemon's managers. Each file groups the commands belonging
// to one functional domain, mirroring the registry's own "one definition
// per command" shape rather than a single monolithic switch.
package commands

import "github.com/ksi-project/ksid/internal/registry"

// fieldRequired builds a FieldError for a missing required field.
func fieldRequired(path string) registry.FieldError {
	return registry.FieldError{Path: path, Message: "is required"}
}

// fieldInvalid builds a FieldError with a custom message.
func fieldInvalid(path, message string) registry.FieldError {
	return registry.FieldError{Path: path, Message: message}
}
