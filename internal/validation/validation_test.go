package validation

import (
	"strings"
	"testing"
)

func TestValidateSyncTypeName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "ad_user", false},
		{"with hyphen", "ad-group", false},
		{"numbers", "ad2", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "a\x00b", true},
		{"with dot", "ad.user", true},
		{"space", "ad user", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSyncTypeName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSyncTypeName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAttributeName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"SamAccountName", false},
		{"extensionAttribute1", false},
		{"msDS-cloudExtensionAttribute1", false},
		{"", true},
		{"1mail", true},
		{"-mail", true},
		{"given_name", true},
		{"mäil", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateAttributeName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAttributeName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDN(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"OU=Users,DC=example,DC=org", false},
		{"CN=Bob Builder,OU=Users,DC=example,DC=org", false},
		{"CN=Builder\\, Bob,OU=Users", false},
		{"", true},
		{"   ", true},
		{"Users", true},
		{"ldap://dc1.example.org", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateDN(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDN(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
