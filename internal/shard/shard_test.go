package shard_test

import (
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/panamax-rs/panamax/internal/shard"
)

func TestDir(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"a", "1"},
		{"be", "2"},
		{"cde", filepath.Join("3", "c")},
		{"dead", filepath.Join("de", "ad")},
		{"deadbeef", filepath.Join("de", "ad")},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, shard.Dir(tc.name), tc.name)
	}
}

func TestArchivePathMatchesSpecExamples(t *testing.T) {
	cases := []struct {
		name, version, want string
	}{
		{"a", "0.1", filepath.Join("crates", "1", "a", "0.1", "a-0.1.crate")},
		{"be", "0.2", filepath.Join("crates", "2", "be", "0.2", "be-0.2.crate")},
		{"cde", "0.3", filepath.Join("crates", "3", "c", "cde", "0.3", "cde-0.3.crate")},
		{"dead", "0.4", filepath.Join("crates", "de", "ad", "dead", "0.4", "dead-0.4.crate")},
	}
	for _, tc := range cases {
		got, err := shard.ArchivePath(tc.name, tc.version, "crate")
		assert.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestArchivePathRejectsEmptyName(t *testing.T) {
	_, err := shard.ArchivePath("", "0.1", "crate")
	assert.Error(t, err)
}
