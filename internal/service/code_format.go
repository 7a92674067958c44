package service

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"codegate/activation/internal/config"
	"codegate/activation/pkg/crypto"
)

// CodeFormat is the single format policy for activation codes: one pattern,
// one length window and one generator, all supplied at startup.
type CodeFormat struct {
	pattern   *regexp.Regexp
	minLen    int
	maxLen    int
	generator string
	genLen    int
}

func NewCodeFormat(cfg config.CodeConfig) (*CodeFormat, error) {
	pattern, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compile code pattern: %w", err)
	}
	if cfg.MinLength <= 0 || cfg.MaxLength < cfg.MinLength {
		return nil, fmt.Errorf("invalid code length bounds [%d, %d]", cfg.MinLength, cfg.MaxLength)
	}
	f := &CodeFormat{
		pattern:   pattern,
		minLen:    cfg.MinLength,
		maxLen:    cfg.MaxLength,
		generator: cfg.Generator,
		genLen:    cfg.GeneratedLength,
	}
	if f.genLen <= 0 {
		f.genLen = cfg.MinLength
	}
	return f, nil
}

// Valid reports whether code may be looked up at all.
func (f *CodeFormat) Valid(code string) bool {
	n := utf8.RuneCountInString(code)
	if n < f.minLen || n > f.maxLen {
		return false
	}
	return f.pattern.MatchString(code)
}

// MaxLength is the longest accepted code.
func (f *CodeFormat) MaxLength() int { return f.maxLen }

// Generate draws a new candidate code. Uniqueness is checked by the caller.
func (f *CodeFormat) Generate() (string, error) {
	var (
		code string
		err  error
	)
	switch f.generator {
	case "uuid":
		code = crypto.GenerateUUIDCode()
	case "token":
		code, err = crypto.GenerateToken(f.genLen)
	default:
		code, err = crypto.GenerateAlphanumericCode(f.genLen)
	}
	if err != nil {
		return "", err
	}
	if !f.Valid(code) {
		return "", fmt.Errorf("generator %q produced a code outside the format policy", f.generator)
	}
	return code, nil
}
