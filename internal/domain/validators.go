package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct runs struct tag validation and folds failures into a VALIDATION_ERROR.
func ValidateStruct(s any) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ErrValidation(err.Error())
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return ErrValidation(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "ip":
		return fmt.Sprintf("%s must be a valid IP address", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "min", "max", "gte", "lte":
		return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// SessionData is the login event submitted for validation.
// Either FingerprintHash or DeviceInfo must be present; the hash is derived
// from DeviceInfo when missing.
type SessionData struct {
	FingerprintHash string         `json:"fingerprint_hash" validate:"omitempty,min=8,max=256"`
	DeviceInfo      map[string]any `json:"device_info"`
	IPAddress       string         `json:"ip_address" validate:"required,ip"`
	SessionToken    string         `json:"session_token" validate:"required,min=8,max=512"`
	UserAgent       string         `json:"user_agent" validate:"max=1024"`
}

// Validate checks the session payload.
func (d *SessionData) Validate() error {
	if err := ValidateStruct(d); err != nil {
		return err
	}
	if d.FingerprintHash == "" && len(d.DeviceInfo) == 0 {
		return ErrValidation("fingerprint_hash or device_info is required")
	}
	return nil
}
