// internal/utils/validator.go
package utils

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var purchaseCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{6,98}[A-Za-z0-9]$`)

func init() {
	validate = validator.New()
	validate.RegisterValidation("purchase_code", validatePurchaseCode)
	validate.RegisterValidation("verify_source", validateVerifySource)
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// Purchase codes come in two shapes: Envato UUID-style codes and the
// portal's own XXXX-XXXX-XXXX-XXXX keys. Accept both, reject junk early so
// garbage never reaches the lookup path.
func validatePurchaseCode(fl validator.FieldLevel) bool {
	code := strings.TrimSpace(fl.Field().String())
	return purchaseCodePattern.MatchString(code)
}

func validateVerifySource(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "installer", "periodic", "admin", "api", "":
		return true
	}
	return false
}

// Validation tags for common fields
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   strings.ToLower(e.Field()),
				Tag:     e.Tag(),
				Message: getValidationMessage(e),
			})
		}
	}

	return validationErrors
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		return e.Field() + " must be at least " + e.Param() + " characters"
	case "max":
		return e.Field() + " must be at most " + e.Param() + " characters"
	case "purchase_code":
		return "Invalid purchase code format"
	case "verify_source":
		return "Unknown verification source"
	default:
		return e.Field() + " is invalid"
	}
}
