package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateConfig, Config{})
	v.RegisterStructValidation(validateRetryPolicy, RetryPolicyConfig{})
	return v
}

// validateConfig holds the rules that span more than one section.
func validateConfig(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Storage.Type == "badger" && strings.TrimSpace(cfg.Storage.Badger.Path) == "" {
		sl.ReportError(cfg.Storage.Badger.Path, "Storage.Badger.Path", "Path", "required_with_badger", "")
	}
	if cfg.Storage.Type == "postgres" && strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
		sl.ReportError(cfg.Storage.Postgres.DSN, "Storage.Postgres.DSN", "DSN", "required_with_postgres", "")
	}
	if cfg.Events.Transport == "redis" && strings.TrimSpace(cfg.Events.Redis.Address) == "" {
		sl.ReportError(cfg.Events.Redis.Address, "Events.Redis.Address", "Address", "required_with_redis", "")
	}

	ports := []struct {
		name string
		port int
		used bool
	}{
		{"Server.Port", cfg.Server.Port, true},
		{"Server.GRPC.Port", cfg.Server.GRPC.Port, cfg.Server.GRPC.Enabled},
		{"Metrics.Port", cfg.Metrics.Port, cfg.Metrics.Enabled},
		{"Services.Order.ListenPort", cfg.Services.Order.ListenPort, true},
		{"Services.Shipment.ListenPort", cfg.Services.Shipment.ListenPort, true},
		{"Services.Notification.ListenPort", cfg.Services.Notification.ListenPort, true},
	}
	owner := make(map[int]string, len(ports))
	for _, p := range ports {
		if !p.used || p.port == 0 {
			continue
		}
		if prev, taken := owner[p.port]; taken {
			sl.ReportError(p.port, p.name, p.name, "unique_port", prev)
			continue
		}
		owner[p.port] = p.name
	}
}

func validateRetryPolicy(sl validator.StructLevel) {
	p := sl.Current().Interface().(RetryPolicyConfig)
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		sl.ReportError(p.InitialDelay, "InitialDelay", "InitialDelay", "ltefield", "MaxDelay")
	}
}

// ConfigError describes one invalid field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors lists every invalid field found in one pass.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "configuration validation failed:")
	for _, ce := range e {
		lines = append(lines, "  - "+ce.Error())
	}
	return strings.Join(lines, "\n") + "\n"
}

// ValidateWithDetails validates cfg and reports every failing field as a
// ValidationErrors value.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	details := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ConfigError{
			Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: describe(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

func describe(fe validator.FieldError) string {
	param := fe.Param()
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_with_badger":
		return "is required when storage.type is badger"
	case "required_with_postgres":
		return "is required when storage.type is postgres"
	case "required_with_redis":
		return "is required when events.transport is redis"
	case "unique_port":
		return "port already used by " + param
	case "ltefield":
		return "must not exceed " + param
	case "min", "gte":
		return "must be at least " + param
	case "max", "lte":
		return "must be at most " + param
	case "gt":
		return "must be greater than " + param
	case "oneof":
		return "must be one of [" + param + "]"
	case "url":
		return "must be an absolute URL"
	}
	return "failed validation: " + fe.Tag()
}
