package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate

	cellNameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

func init() {
	validate = validator.New()
	// cellname: the cell becomes a path segment under /ls.
	_ = validate.RegisterValidation("cellname", func(fl validator.FieldLevel) bool {
		return cellNameRe.MatchString(fl.Field().String())
	})
}

// Validate checks struct tags first, then rules that span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Log.Backend == "localdisc" && cfg.Log.Dir == "" {
		return fmt.Errorf("log.dir: required by the localdisc backend")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr: required when metrics are enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == cfg.ListenAddr {
		return fmt.Errorf("metrics.addr: must differ from listen_addr (%s)", cfg.ListenAddr)
	}
	return nil
}

// formatValidationError reports the first failed field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
