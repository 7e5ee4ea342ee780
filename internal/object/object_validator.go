package object

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

// Validator: validation and sanitization of ADD_OBJECT payloads
type Validator struct {
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
}

func NewValidator() *Validator {
	// removes all HTML/scripts
	policy := bluemonday.StrictPolicy()

	return &Validator{
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		sanitizer: policy,
	}
}

// ValidateAndSanitize: checks the payload carries a usable id, validates known
// drawing types against their schema, and returns a copy with every string
// except the id sanitized. The id is an opaque key and is kept byte for byte.
// Payloads with an unknown or absent "type" stay opaque.
func (v *Validator) ValidateAndSanitize(payload map[string]interface{}) (map[string]interface{}, error) {
	id, err := v.validateID(payload["id"])
	if err != nil {
		return nil, err
	}

	sanitized := v.sanitizeMap(payload)
	sanitized["id"] = id

	rawType, hasType := sanitized["type"]
	if !hasType {
		return sanitized, nil
	}
	objType, ok := rawType.(string)
	if !ok {
		return nil, fmt.Errorf("'type' must be a string")
	}

	schema := GetSchemaForType(objType)
	if schema == nil {
		return sanitized, nil
	}

	if err := mapToStruct(sanitized, schema); err != nil {
		return nil, fmt.Errorf("failed to parse %s object: %w", objType, err)
	}

	if err := v.validate.Struct(schema); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return nil, formatValidationErrors("", validationErrors)
		}
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return sanitized, nil
}

func (v *Validator) validateID(raw interface{}) (string, error) {
	id, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("'id' is required and must be a string")
	}
	if err := v.validate.Var(id, fmt.Sprintf("required,max=%d,printascii", MaxIDLength)); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return "", formatValidationErrors("id", validationErrors)
		}
		return "", fmt.Errorf("validation failed: %w", err)
	}
	return id, nil
}

// mapToStruct: converts a map[string]interface{} to a typed struct using JSON marshaling
func mapToStruct(data map[string]interface{}, target interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return nil
}

// sanitizeMap recursively sanitizes all string values in a map
func (v *Validator) sanitizeMap(data map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))

	for key, value := range data {
		result[key] = v.sanitizeValue(value)
	}

	return result
}

// sanitizeValue sanitizes a value based on its type
func (v *Validator) sanitizeValue(value interface{}) interface{} {
	if value == nil {
		return nil
	}

	switch val := value.(type) {
	case string:
		return v.sanitizer.Sanitize(val)
	case map[string]interface{}:
		return v.sanitizeMap(val)
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = v.sanitizeValue(item)
		}
		return result
	default:
		// numbers, bools
		return value
	}
}

// formatValidationErrors converts validator errors to a user-friendly error message
func formatValidationErrors(field string, errors validator.ValidationErrors) error {
	return fmt.Errorf("validation failed: %s", formatSingleError(field, errors[0]))
}

func formatSingleError(field string, err validator.FieldError) string {
	if field == "" {
		field = err.Field()
	}

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is required", field)
	case "min", "max":
		return fmt.Sprintf("'%s' value out of allowed range", field)
	default:
		return fmt.Sprintf("'%s' is invalid", field)
	}
}
