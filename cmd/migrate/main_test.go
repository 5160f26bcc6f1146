package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		args    []string
		want    command
		wantErr bool
	}{
		{args: []string{"up"}, want: command{name: "up"}},
		{args: []string{"down"}, want: command{name: "down"}},
		{args: []string{"status"}, want: command{name: "status"}},
		{args: []string{"version"}, want: command{name: "version"}},
		{args: []string{"up-to", "1"}, want: command{name: "up-to", version: 1}},
		{args: []string{"down-to", "0"}, want: command{name: "down-to"}},
		{args: nil, wantErr: true},
		{args: []string{"up", "extra"}, wantErr: true},
		{args: []string{"up-to"}, wantErr: true},
		{args: []string{"down-to", "x"}, wantErr: true},
		{args: []string{"down-to", "-1"}, wantErr: true},
		{args: []string{"redo"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseArgs(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.args)
			continue
		}
		require.NoError(t, err, "%v", tt.args)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseArgs_UsageErrors(t *testing.T) {
	_, err := parseArgs(nil)
	assert.True(t, errors.Is(err, errUsage))

	_, err = parseArgs([]string{"sideways"})
	assert.True(t, errors.Is(err, errUsage))
	assert.Contains(t, err.Error(), `unknown command "sideways"`)
}
