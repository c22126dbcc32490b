// Package validation checks the names and distinguished names that
// configuration carries into file paths, metric labels and LDAP requests.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-ldap/ldap/v3"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// SyncTypeNameRules returns the rules for sync type names. A sync type name
// becomes a lock file name, an audit directory and a metric label.
func SyncTypeNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// AttributeNameRules returns the rules for LDAP attribute descriptors.
func AttributeNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  false,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateSyncTypeName validates a sync type name with default rules.
func ValidateSyncTypeName(name string) error {
	return ValidateName(name, SyncTypeNameRules())
}

// ValidateAttributeName validates an LDAP attribute descriptor. The first
// character must be a letter.
func ValidateAttributeName(name string) error {
	if err := ValidateName(name, AttributeNameRules()); err != nil {
		return err
	}
	if r := rune(name[0]); !unicode.IsLetter(r) || r > unicode.MaxASCII {
		return fmt.Errorf("attribute name must start with an ASCII letter")
	}
	for i, r := range name {
		if r > unicode.MaxASCII {
			return fmt.Errorf("non-ASCII character at position %d", i)
		}
	}
	return nil
}

// =============================================================================
// DN Validation
// =============================================================================

// ValidateDN checks that dn parses as a non-empty distinguished name.
func ValidateDN(dn string) error {
	if strings.TrimSpace(dn) == "" {
		return fmt.Errorf("distinguished name cannot be empty")
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return fmt.Errorf("invalid distinguished name %q: %w", dn, err)
	}
	if len(parsed.RDNs) == 0 {
		return fmt.Errorf("distinguished name %q has no components", dn)
	}
	return nil
}
