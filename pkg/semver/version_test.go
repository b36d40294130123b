package semver

import "testing"

func TestValidatePluginName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"validator", true},
		{"stats.v2", true},
		{"my_plugin-1", true},
		{"", false},
		{"1plugin", false},
		{"bad name", false},
	}
	for _, tt := range tests {
		if got := ValidatePluginName(tt.name); got != tt.want {
			t.Errorf("semver:version_test - ValidatePluginName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"1.0.0", false},
		{"2.3.4-rc.1", false},
		{"1.0.0+build.5", false},
		{"1", true},
		{"1.2", true},
		{"v1.2.3", true},
		{"latest", true},
	}
	for _, tt := range tests {
		_, err := ParseVersion(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("semver:version_test - ParseVersion(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}
