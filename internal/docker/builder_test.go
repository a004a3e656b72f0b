package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImageTag(t *testing.T) {
	tests := []struct {
		name      string
		repo      string
		directory string
		want      string
	}{
		{name: "repo and directory", repo: "registry.local/team", directory: "webapp", want: "registry.local/team/webapp"},
		{name: "directory only", repo: "", directory: "webapp", want: "webapp"},
		{name: "no directory", repo: "registry.local/team", directory: "", want: ""},
		{name: "neither", repo: "", directory: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ImageTag(tt.repo, tt.directory))
		})
	}
}
