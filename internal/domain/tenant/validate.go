package tenant

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RawConfig is the unvalidated onboarding payload. Nothing downstream of the
// validator ever sees this type.
type RawConfig struct {
	Slug         string          `json:"slug" validate:"required,tenant_slug"`
	ContactEmail string          `json:"contact_email" validate:"required,email"`
	HostnameMode string          `json:"hostname_mode" validate:"required,oneof=managed_subdomain custom_domain"`
	CustomDomain string          `json:"custom_domain,omitempty" validate:"required_if=HostnameMode custom_domain,omitempty,fqdn"`
	Features     map[string]bool `json:"features" validate:"required"`
	DisplayName  string          `json:"display_name,omitempty"`
	ThemeColor   string          `json:"theme_color,omitempty" validate:"omitempty,hexcolor"`
	LogoURL      string          `json:"logo_url,omitempty" validate:"omitempty,url"`
}

// FieldError describes a single violated constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors aggregates every violated constraint in one submission so
// the caller can report them all at once.
type ValidationErrors []FieldError

// Error returns the error message, implementing the error interface.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, fe := range v {
		msgs[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "invalid tenant config: " + strings.Join(msgs, "; ")
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]{3,30}$`)

// knownFeatures is the closed set of feature flag keys accepted from callers.
var knownFeatures = map[string]struct{}{
	string(FeatureCRM):            {},
	string(FeatureFilePortal):     {},
	string(FeatureWebsite):        {},
	string(FeatureBooking):        {},
	string(FeatureEmailMarketing): {},
}

// Validator checks raw tenant configurations against the platform schema.
// It is a pure component: no resources are touched during validation.
type Validator struct {
	validate *validator.Validate
}

// NewValidator constructs a Validator with the tenant-specific rules
// registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("tenant_slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// Validate checks raw against the schema and returns the immutable Config on
// success. On failure it returns ValidationErrors listing every violation,
// not just the first; callers must not provision on any violation.
func (v *Validator) Validate(raw RawConfig) (*Config, error) {
	applyDefaults(&raw)

	var errs ValidationErrors

	if err := v.validate.Struct(raw); err != nil {
		invalid, ok := err.(validator.ValidationErrors)
		if !ok {
			return nil, fmt.Errorf("validating tenant config: %w", err)
		}
		for _, fe := range invalid {
			errs = append(errs, FieldError{
				Field:   fieldName(fe),
				Message: constraintMessage(fe),
			})
		}
	}

	// Unknown feature keys are rejected rather than silently ignored so a
	// typo never drops a paid-for service from the stack.
	for key := range raw.Features {
		if _, ok := knownFeatures[key]; !ok {
			errs = append(errs, FieldError{
				Field:   "features." + key,
				Message: "unrecognized feature flag",
			})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return &Config{
		Slug:         raw.Slug,
		ContactEmail: raw.ContactEmail,
		HostnameMode: HostnameMode(raw.HostnameMode),
		CustomDomain: raw.CustomDomain,
		Features: FeatureSet{
			CRM:            raw.Features[string(FeatureCRM)],
			FilePortal:     raw.Features[string(FeatureFilePortal)],
			Website:        raw.Features[string(FeatureWebsite)],
			Booking:        raw.Features[string(FeatureBooking)],
			EmailMarketing: raw.Features[string(FeatureEmailMarketing)],
		},
		Branding: Branding{
			DisplayName: raw.DisplayName,
			ThemeColor:  raw.ThemeColor,
			LogoURL:     raw.LogoURL,
		},
	}, nil
}

// applyDefaults fills optional fields the onboarding UI may omit.
// The website and file portal are part of every plan, so their flags default
// to enabled unless explicitly switched off.
func applyDefaults(raw *RawConfig) {
	if raw.HostnameMode == "" {
		raw.HostnameMode = string(HostnameManaged)
	}
	if raw.Features != nil {
		if _, ok := raw.Features[string(FeatureWebsite)]; !ok {
			raw.Features[string(FeatureWebsite)] = true
		}
		if _, ok := raw.Features[string(FeatureFilePortal)]; !ok {
			raw.Features[string(FeatureFilePortal)] = true
		}
	}
	if raw.DisplayName == "" {
		raw.DisplayName = raw.Slug
	}
}

func fieldName(fe validator.FieldError) string {
	// StructNamespace looks like "RawConfig.ContactEmail"; report the JSON-ish
	// leaf name the caller submitted.
	switch fe.Field() {
	case "Slug":
		return "slug"
	case "ContactEmail":
		return "contact_email"
	case "HostnameMode":
		return "hostname_mode"
	case "CustomDomain":
		return "custom_domain"
	case "Features":
		return "features"
	case "ThemeColor":
		return "theme_color"
	case "LogoURL":
		return "logo_url"
	default:
		return strings.ToLower(fe.Field())
	}
}

func constraintMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required for the selected hostname mode"
	case "tenant_slug":
		return "must match [a-z0-9]{3,30}"
	case "email":
		return "must be a valid email address"
	case "fqdn":
		return "must be a valid DNS name"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "hexcolor":
		return "must be a hex color value"
	case "url":
		return "must be a valid URL"
	default:
		return "failed constraint " + fe.Tag()
	}
}
