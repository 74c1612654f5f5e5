// Package settings owns the extension configuration: the origin allow-list
// consulted on every external message and the extraction options applied
// to every record.
package settings

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jmylchreest/notedown/pkg/extract"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// ExtractOptions selects which media and metadata are kept.
type ExtractOptions struct {
	IncludeImages bool `json:"includeImages" yaml:"includeImages"`
	IncludeVideo  bool `json:"includeVideo" yaml:"includeVideo"`
	IncludeTags   bool `json:"includeTags" yaml:"includeTags"`
}

// Extract converts the options for the strategy chain.
func (o ExtractOptions) Extract() extract.Options {
	return extract.Options{
		IncludeImages: o.IncludeImages,
		IncludeVideo:  o.IncludeVideo,
		IncludeTags:   o.IncludeTags,
	}
}

// Config is the extension configuration.
type Config struct {
	AllowedDomains []string       `json:"allowedDomains" yaml:"allowedDomains" validate:"required,min=1,dive,origin_pattern"`
	ExtractOptions ExtractOptions `json:"extractOptions" yaml:"extractOptions"`
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.AllowedDomains = append([]string(nil), c.AllowedDomains...)
	return c
}

// Defaults returns the first-run configuration.
func Defaults() Config {
	return Config{
		AllowedDomains: []string{
			"http://localhost:*",
			"https://xiaohongshu.reinhart.io",
			"https://xiaohongshu-web.vercel.app",
			"https://rainhart.onrender.com",
		},
		ExtractOptions: ExtractOptions{
			IncludeImages: true,
			IncludeVideo:  true,
			IncludeTags:   true,
		},
	}
}

// Patch is a SET_CONFIG payload. Present top-level keys replace the
// current value wholesale; absent keys are kept.
type Patch struct {
	AllowedDomains []string        `json:"allowedDomains,omitempty" yaml:"allowedDomains,omitempty"`
	ExtractOptions *ExtractOptions `json:"extractOptions,omitempty" yaml:"extractOptions,omitempty"`
}

// Empty reports whether the patch carries no keys.
func (p Patch) Empty() bool {
	return p.AllowedDomains == nil && p.ExtractOptions == nil
}

// ApplyTo returns c with the patch merged in.
func (p Patch) ApplyTo(c Config) Config {
	out := c.Clone()
	if p.AllowedDomains != nil {
		out.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	}
	if p.ExtractOptions != nil {
		out.ExtractOptions = *p.ExtractOptions
	}
	return out
}

var originPatternRe = regexp.MustCompile(`^https?://.+`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("origin_pattern", func(fl validator.FieldLevel) bool {
		return originPatternRe.MatchString(fl.Field().String())
	})
	return v
}

var validate = newValidator()

// Validate checks that the allow-list is non-empty and every entry is an
// http(s) origin or origin pattern.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatValidationError(e))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "min":
		return "allowedDomains must contain at least one origin"
	case "origin_pattern":
		return fmt.Sprintf("%q is not an http(s) origin", e.Value())
	default:
		return fmt.Sprintf("%s failed validation '%s'", e.Namespace(), e.Tag())
	}
}

// MatchOrigin reports whether origin is allowed by patterns. Trailing
// slashes are ignored on both sides. A pattern ending in ":*" matches the
// origin it prefixes with any port or none; other patterns must match
// exactly.
func MatchOrigin(patterns []string, origin string) bool {
	origin = strings.TrimRight(origin, "/")
	if origin == "" {
		return false
	}

	for _, p := range patterns {
		p = strings.TrimRight(p, "/")
		if base, ok := strings.CutSuffix(p, ":*"); ok {
			rest, found := strings.CutPrefix(origin, base)
			if found && (rest == "" || strings.HasPrefix(rest, ":")) {
				return true
			}
			continue
		}
		if origin == p {
			return true
		}
	}
	return false
}
