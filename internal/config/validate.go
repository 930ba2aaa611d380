package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validate = newValidator()

// newValidator reports fields by their yaml names so messages match the file.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []ValidationError{{Field: "config", Message: err.Error()}}
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe.Namespace()),
				Message: tagMessage(fe),
			})
		}
	}

	for _, d := range []struct {
		field string
		value string
	}{
		{"completion.timeout", cfg.Completion.Timeout},
		{"completion.retry_delay", cfg.Completion.RetryDelay},
		{"build.timeout", cfg.Build.Timeout},
		{"coverage.timeout", cfg.Coverage.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if dur, err := time.ParseDuration(d.value); err != nil || dur <= 0 {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: fmt.Sprintf("invalid duration %q", d.value),
			})
		}
	}

	if cfg.Database.Driver == "pgx" && cfg.Database.DSN == "" {
		errs = append(errs, ValidationError{Field: "database.dsn", Message: "is required for the pgx driver"})
	}

	if cfg.Publish.Endpoint != "" && cfg.Publish.Bucket == "" {
		errs = append(errs, ValidationError{Field: "publish.bucket", Message: "is required when publish.endpoint is set"})
	}

	if !strings.Contains(cfg.Build.BuildCommand, "{{target}}") && cfg.Build.BuildCommand != "" {
		errs = append(errs, ValidationError{Field: "build.build_command", Message: "must reference {{target}}"})
	}

	return errs
}

// fieldPath turns "Config.project.root" into "project.root".
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return fmt.Sprintf("invalid URL %q", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
