package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestReadSecret(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{name: "plain", content: "123456", want: "123456"},
		{name: "trailing newline", content: "123456\n", want: "123456"},
		{name: "crlf", content: "123456\r\n", want: "123456"},
		{name: "empty", content: "", wantErr: true},
		{name: "only newline", content: "\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			got, err := readSecret(path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("readSecret(%q) = %q, want error", tt.content, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("readSecret: %v", err)
			}
			if !bytes.Equal(got, []byte(tt.want)) {
				t.Errorf("readSecret(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

func TestReadSecretMissingFile(t *testing.T) {
	if _, err := readSecret(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("readSecret of missing file succeeded")
	}
}
