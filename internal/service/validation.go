package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

// NewValidator returns a validator that reports json field names and knows the corpemail tag.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("corpemail", func(fl validator.FieldLevel) bool {
		return isCorporateEmail(fl.Field().String())
	})
	return v
}

// isCorporateEmail accepts local@domain where the domain contains a dot.
func isCorporateEmail(value string) bool {
	value = strings.TrimSpace(value)
	at := strings.LastIndex(value, "@")
	if at <= 0 || at == len(value)-1 {
		return false
	}
	domain := value[at+1:]
	dot := strings.Index(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

// validationError converts validator output into a VALIDATION_ERROR naming the first offending field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	first := verrs[0]
	var msg string
	switch first.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", first.Field())
	case "corpemail", "email":
		msg = fmt.Sprintf("%s must be a valid email address", first.Field())
	case "oneof":
		msg = fmt.Sprintf("%s must be one of [%s]", first.Field(), first.Param())
	case "min":
		msg = fmt.Sprintf("%s must be at least %s", first.Field(), first.Param())
	default:
		msg = fmt.Sprintf("%s is invalid", first.Field())
	}
	return appErrors.WithStep(appErrors.Clone(appErrors.ErrValidation, msg), appErrors.StepValidation)
}
