package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom
// rules that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	s := &cfg.Server

	if s.Port == 0 && s.UnixSocket == "" {
		return fmt.Errorf("server: at least one of port or unix_socket must be configured")
	}
	if s.Threads < 1 {
		return fmt.Errorf("server: threads must be >= 1, got %d", s.Threads)
	}

	for class, lim := range s.OutputBufferLimits {
		switch class {
		case ClassNormal, ClassReplica, ClassPubsub:
		default:
			return fmt.Errorf("server: unknown output buffer limit class %q", class)
		}
		if lim.SoftLimit != 0 && lim.SoftSeconds == 0 {
			return fmt.Errorf("server: output buffer soft limit for %q needs soft_seconds", class)
		}
	}

	if cfg.Snapshot.Enabled {
		if cfg.Snapshot.S3.Bucket == "" {
			return fmt.Errorf("snapshot: s3.bucket is required when the shuttle is enabled")
		}
		if cfg.Snapshot.S3.Region == "" {
			return fmt.Errorf("snapshot: s3.region is required when the shuttle is enabled")
		}
	}

	return nil
}

// formatValidationError rewrites validator errors into something a human
// can act on.
func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, ve := range verrs {
		return fmt.Errorf("config field %s failed validation rule %q (value: %v)",
			ve.Namespace(), ve.Tag(), ve.Value())
	}
	return err
}
