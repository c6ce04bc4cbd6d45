package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags first, then the rules tags cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(c)
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return err
	}

	e := validationErrs[0]
	return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
		e.Namespace(), e.Tag(), e.Value())
}

func validateCustomRules(c *Config) error {
	t := c.Timeout
	if t.FloorMS > t.InitialMS || t.InitialMS > t.CeilingMS {
		return fmt.Errorf("timeout: floor_ms (%d) <= initial_ms (%d) <= ceiling_ms (%d) must hold",
			t.FloorMS, t.InitialMS, t.CeilingMS)
	}

	switch c.Upstream.Type {
	case "local":
		if c.Upstream.Local.Root == "" {
			return fmt.Errorf("upstream.local.root is required for the local upstream")
		}
	case "s3":
		s3 := c.Upstream.S3
		if s3.Region == "" {
			return fmt.Errorf("upstream.s3.region is required for the s3 upstream")
		}
		if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
			return fmt.Errorf("upstream.s3: access_key_id and secret_access_key must be set together")
		}
	}

	if c.Log.File != "" && c.Log.MaxSize == 0 {
		return fmt.Errorf("log.max_size must be positive when log.file is set")
	}

	return nil
}
