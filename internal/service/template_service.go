// internal/service/template_service.go
package service

import (
	"strings"
)

// Field is one column of a dataset row.
type Field struct {
	Key   string
	Value string
}

// RenderTemplate replaces each literal {key} with the field value, in row
// field order. Unknown placeholders are left as written.
func RenderTemplate(template string, fields []Field) string {
	if template == "" {
		return ""
	}
	result := template
	for _, f := range fields {
		result = strings.ReplaceAll(result, "{"+f.Key+"}", f.Value)
	}
	return result
}
