package validation

import (
	"errors"
	"net/netip"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate

	tierNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

	checkTypes = map[string]struct{}{
		"query":        {},
		"registration": {},
		"ai_question":  {},
		"export":       {},
		"login":        {},
	}
)

// Validator returns the shared validator with the custom tags registered
func Validator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("check_type", func(fl validator.FieldLevel) bool {
			_, ok := checkTypes[fl.Field().String()]
			return ok
		})
		_ = validate.RegisterValidation("tier_name", func(fl validator.FieldLevel) bool {
			return tierNamePattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("block_value", validBlockValue)
	})
	return validate
}

// ValidateStruct validates s and converts field failures into a ValidationError
func ValidateStruct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return NewValidationError(verrs)
	}
	return err
}

// validBlockValue accepts an IP address, a CIDR prefix, an email pattern such
// as "*@mailinator.com", or a domain pattern such as "*.tempmail.*".
func validBlockValue(fl validator.FieldLevel) bool {
	v := strings.TrimSpace(fl.Field().String())
	if v == "" {
		return false
	}
	if _, err := netip.ParseAddr(v); err == nil {
		return true
	}
	if _, err := netip.ParsePrefix(v); err == nil {
		return true
	}
	if strings.ContainsAny(v, " \t\r\n") {
		return false
	}
	at := strings.LastIndex(v, "@")
	if at < 0 {
		return strings.Contains(v, ".")
	}
	return at < len(v)-1
}
