package flagx

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "short flag with separate value",
			args:    []string{"-c", "conf.json", "-a", "localhost"},
			allowed: []string{"-c", "--config"},
			want:    []string{"-c", "conf.json"},
		},
		{
			name:    "long flag with equals",
			args:    []string{"--config=alt.json", "-a", "localhost"},
			allowed: []string{"-c", "--config"},
			want:    []string{"--config=alt.json"},
		},
		{
			name:    "both forms present, order preserved",
			args:    []string{"--config=first.json", "-c", "second.json", "-x", "1"},
			allowed: []string{"-c", "--config"},
			want:    []string{"--config=first.json", "-c", "second.json"},
		},
		{
			name:    "unknown flags ignored",
			args:    []string{"-x", "1", "--y=2", "positional"},
			allowed: []string{"-c", "--config"},
			want:    []string{},
		},
		{
			name:    "flag without value at end kept as-is",
			args:    []string{"-c"},
			allowed: []string{"-c", "--config"},
			want:    []string{"-c"},
		},
		{
			name:    "flag followed by another flag has no value",
			args:    []string{"-c", "-notvalue"},
			allowed: []string{"-c", "--config"},
			want:    []string{"-c"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FilterArgs(tc.args, tc.allowed)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestJsonConfigFlags(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	os.Args = []string{"prog", "-a", ":9000", "-c", "peerdrive.json"}
	assert.Equal(t, "peerdrive.json", JsonConfigFlags())

	os.Args = []string{"prog", "--config=other.json"}
	assert.Equal(t, "other.json", JsonConfigFlags())

	os.Args = []string{"prog", "-a", ":9000"}
	assert.Equal(t, "", JsonConfigFlags())
}
