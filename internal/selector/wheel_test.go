package selector

import "testing"

func TestParseWheelFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantName    string
		wantVersion string
		wantTags    int
	}{
		{"six-1.17.0-py2.py3-none-any.whl", "six", "1.17.0", 2},
		{"foo-1.1-cp311-cp311-manylinux_2_17_x86_64.whl", "foo", "1.1", 1},
		{"foo-1.0-py3-none-any.whl", "foo", "1.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			name, version, tags, err := ParseWheelFilename(tt.filename)
			if err != nil {
				t.Fatalf("ParseWheelFilename(%q) error: %v", tt.filename, err)
			}

			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if version != tt.wantVersion {
				t.Errorf("version = %q, want %q", version, tt.wantVersion)
			}
			if len(tags) != tt.wantTags {
				t.Errorf("len(tags) = %d, want %d", len(tags), tt.wantTags)
			}
		})
	}
}

func TestParseWheelFilenameCompoundTag(t *testing.T) {
	_, _, tags, err := ParseWheelFilename("six-1.17.0-py2.py3-none-any.whl")
	if err != nil {
		t.Fatalf("ParseWheelFilename() error: %v", err)
	}

	if len(tags) != 2 {
		t.Fatalf("len(tags) = %d, want 2", len(tags))
	}
	if tags[0].Interpreter != "py2" || tags[1].Interpreter != "py3" {
		t.Errorf("tags = %+v, want py2 then py3", tags)
	}
}

func TestParseWheelFilenameInvalid(t *testing.T) {
	tests := []string{
		"not-a-wheel.whl",
		"",
		"foo.whl",
	}

	for _, filename := range tests {
		if _, _, _, err := ParseWheelFilename(filename); err == nil {
			t.Errorf("ParseWheelFilename(%q) expected error, got nil", filename)
		}
	}
}

func TestParseSdistFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantName    string
		wantVersion string
	}{
		{"foo-1.1.tar.gz", "foo", "1.1"},
		{"flask-3.0.0.tar.gz", "flask", "3.0.0"},
		{"selenium-2.0-dev-9429.tar.gz", "selenium", "2.0.dev9429"},
		{"some-pkg-1.0.zip", "some-pkg", "1.0"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			name, version, err := ParseSdistFilename(tt.filename)
			if err != nil {
				t.Fatalf("ParseSdistFilename(%q) error: %v", tt.filename, err)
			}

			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if version != tt.wantVersion {
				t.Errorf("version = %q, want %q", version, tt.wantVersion)
			}
		})
	}
}

func TestParseSdistFilenameInvalid(t *testing.T) {
	tests := []string{
		"noextension",
		"justname.tar.gz",
	}

	for _, filename := range tests {
		if _, _, err := ParseSdistFilename(filename); err == nil {
			t.Errorf("ParseSdistFilename(%q) expected error, got nil", filename)
		}
	}
}

func TestParseInterpreter(t *testing.T) {
	tests := []struct {
		tag         string
		wantName    string
		wantVersion string
		wantOK      bool
	}{
		{"cp312", "cp", "3.12", true},
		{"py3", "py", "3", true},
		{"py2", "py", "2", true},
		{"cp38", "cp", "3.8", true},
		{"none", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			name, version, ok := parseInterpreter(tt.tag)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}

			if !ok {
				return
			}

			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if version != tt.wantVersion {
				t.Errorf("version = %q, want %q", version, tt.wantVersion)
			}
		})
	}
}
