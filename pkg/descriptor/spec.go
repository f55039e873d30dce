package descriptor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/foundation/pkg/engine"
)

// DefaultsSpec is the caller-supplied batch default, as decoded from a task.
type DefaultsSpec struct {
	// Base resolves "./"-relative target paths.
	Base string `json:"base,omitempty" yaml:"base,omitempty" validate:"omitempty,abspath"`

	// Wipe is the default wipe policy (never, always).
	Wipe string `json:"wipe,omitempty" yaml:"wipe,omitempty" validate:"omitempty,oneof=never always"`

	// Create makes every target create its object unless overridden.
	Create bool `json:"create,omitempty" yaml:"create,omitempty"`

	// Perms is "dirmode:filemode:owner:group"; trailing parts may be omitted.
	Perms string `json:"perms,omitempty" yaml:"perms,omitempty" validate:"omitempty,batchperms"`
}

// TargetSpec is one caller-supplied target, as decoded from a task.
type TargetSpec struct {
	Dir  string `json:"dir,omitempty" yaml:"dir,omitempty"`
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Content is literal file content.
	Content *string `json:"content,omitempty" yaml:"content,omitempty"`

	// Template is already-rendered template output.
	Template *string `json:"template,omitempty" yaml:"template,omitempty"`

	// Copy is a path on the managed node to copy from.
	Copy string `json:"copy,omitempty" yaml:"copy,omitempty"`

	// Link makes the target a symlink pointing at this value.
	Link string `json:"link,omitempty" yaml:"link,omitempty"`

	// URL downloads the file content once.
	URL string `json:"url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`

	Wipe   string `json:"wipe,omitempty" yaml:"wipe,omitempty" validate:"omitempty,oneof=never always auto"`
	Create *bool  `json:"create,omitempty" yaml:"create,omitempty"`

	// Perms is "mode:owner:group"; trailing parts may be omitted.
	Perms string `json:"perms,omitempty" yaml:"perms,omitempty" validate:"omitempty,targetperms"`
}

var (
	validate = newValidator()

	chmodRe = regexp.MustCompile(`^[0-7]{3,4}$`)
)

// Validator returns the shared validator with the descriptor tags registered:
// abspath, chmod, batchperms and targetperms.
func Validator() *validator.Validate {
	return validate
}

func newValidator() *validator.Validate {
	v := validator.New()

	_ = v.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
		return filepath.IsAbs(fl.Field().String())
	})
	_ = v.RegisterValidation("chmod", func(fl validator.FieldLevel) bool {
		return chmodRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("batchperms", func(fl validator.FieldLevel) bool {
		return validPermParts(fl.Field().String(), 4, 2)
	})
	_ = v.RegisterValidation("targetperms", func(fl validator.FieldLevel) bool {
		return validPermParts(fl.Field().String(), 3, 1)
	})

	return v
}

// validPermParts checks that the first modeParts components are empty or
// numeric chmod expressions and that there are at most maxParts components.
func validPermParts(raw string, maxParts, modeParts int) bool {
	parts := strings.Split(raw, ":")
	if len(parts) > maxParts {
		return false
	}
	for i := 0; i < modeParts && i < len(parts); i++ {
		if parts[i] != "" && !chmodRe.MatchString(parts[i]) {
			return false
		}
	}
	return true
}

// ParseMode parses an octal chmod expression such as "644" or "0755".
// An empty string yields a zero mode.
func ParseMode(raw string) (os.FileMode, error) {
	if raw == "" {
		return 0, nil
	}
	if !chmodRe.MatchString(raw) {
		return 0, fmt.Errorf("permission expression '%s' must define numeric chmod", raw)
	}
	bits, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode: %w", err)
	}

	mode := os.FileMode(bits).Perm()
	if bits&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if bits&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if bits&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode, nil
}

// ParseOwnership splits "owner:group" and requires both parts.
func ParseOwnership(raw string) (owner, group string, err error) {
	owner, group, ok := strings.Cut(raw, ":")
	if !ok || owner == "" || group == "" || strings.Contains(group, ":") {
		return "", "", engine.NewValidationError(fmt.Sprintf("permissions must be given as 'owner:group', not '%s'", raw), nil)
	}
	return owner, group, nil
}

func validationError(resource string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := fmt.Sprintf("field '%s' failed '%s' check", strings.ToLower(fe.Field()), fe.Tag())
		return engine.NewValidationError(msg, err).WithResource(resource)
	}
	return engine.NewValidationError("invalid descriptor", err).WithResource(resource)
}
