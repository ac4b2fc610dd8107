// Package render fills nudge templates and fingerprints their content.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render replaces every {{name}} in template with vars[name]. Missing and nil
// values render as the empty string.
func Render(template string, vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

type hashInput struct {
	Message    string         `json:"message"`
	RecipeName string         `json:"recipe_name"`
	Variables  map[string]any `json:"variables"`
}

// ContentHash returns a hex SHA-256 over message, variables and recipe name.
// encoding/json sorts map keys, so equal inputs always hash equally.
func ContentHash(message string, vars map[string]any, recipeName string) string {
	if vars == nil {
		vars = map[string]any{}
	}
	b, err := json.Marshal(hashInput{Message: message, RecipeName: recipeName, Variables: vars})
	if err != nil {
		// unencodable values (channels, funcs) still need a stable key
		b = []byte(fmt.Sprintf("%q|%q|%v", message, recipeName, vars))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
