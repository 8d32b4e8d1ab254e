package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Validatable is implemented by every config struct loaded through Load.
type Validatable interface {
	Validate() error
}

var validate = validator.New()

// validateConfig runs struct-tag validation and renders field-level errors
// with their dotted path, e.g. "Host: required".
func validateConfig(cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			var msgs []string
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// Load unmarshals the current viper configuration into T and validates it.
func Load[T Validatable]() (T, error) {
	var out T
	if err := viper.Unmarshal(&out); err != nil {
		return out, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}
