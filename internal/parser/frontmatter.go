package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meow-stack/rundown/internal/runbook"
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	versionPattern = regexp.MustCompile(`^v?\d+(\.\d+){0,2}([-+][0-9A-Za-z.-]+)?$`)
)

var (
	metaValidate     *validator.Validate
	metaValidateOnce sync.Once
)

func metadataValidator() *validator.Validate {
	metaValidateOnce.Do(func() {
		metaValidate = validator.New(validator.WithRequiredStructEnabled())
		_ = metaValidate.RegisterValidation("runbookname", func(fl validator.FieldLevel) bool {
			return namePattern.MatchString(fl.Field().String())
		})
		_ = metaValidate.RegisterValidation("semverish", func(fl validator.FieldLevel) bool {
			return versionPattern.MatchString(fl.Field().String())
		})
	})
	return metaValidate
}

// splitFrontMatter separates a leading "---" YAML block from the body. The
// front-matter lines are blanked rather than removed so that line numbers
// reported for the body still match the original file.
func splitFrontMatter(src string) (yamlText string, body string, found bool, err error) {
	normalized := strings.ReplaceAll(src, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return "", normalized, false, nil
	}

	lines := strings.Split(normalized, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] == "---" || lines[i] == "..." {
			yamlText = strings.Join(lines[1:i], "\n")
			body = strings.Repeat("\n", i+1) + strings.Join(lines[i+1:], "\n")
			return yamlText, body, true, nil
		}
	}
	return "", "", true, fmt.Errorf("front-matter opened on line 1 is never closed")
}

// decodeMetadata decodes and checks front-matter.
func decodeMetadata(yamlText string) (runbook.Metadata, error) {
	var meta runbook.Metadata
	if strings.TrimSpace(yamlText) == "" {
		return meta, nil
	}
	if err := yaml.Unmarshal([]byte(yamlText), &meta); err != nil {
		return meta, fmt.Errorf("decode front-matter: %w", err)
	}

	if err := metadataValidator().Struct(meta); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fe := validationErrors[0]
			return meta, fmt.Errorf("front-matter field %s fails %q check (value %v)", strings.ToLower(fe.Field()), fe.Tag(), fe.Value())
		}
		return meta, fmt.Errorf("front-matter: %w", err)
	}
	return meta, nil
}
