package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aixterm/aixterm/pkg/logger"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logger.LogLevel
	}{
		{"debug", logger.DEBUG},
		{"DEBUG", logger.DEBUG},
		{"warn", logger.WARN},
		{"warning", logger.WARN},
		{"error", logger.ERROR},
		{"info", logger.INFO},
		{"unknown", logger.INFO},
		{"", logger.INFO},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "45s", formatUptime(45*time.Second))
	assert.Equal(t, "5m 30s", formatUptime(5*time.Minute+30*time.Second))
	assert.Equal(t, "2h 15m", formatUptime(2*time.Hour+15*time.Minute))
	assert.Equal(t, "3d 4h", formatUptime(3*24*time.Hour+4*time.Hour))
}

func TestNewRootCommandRegistersSubcommands(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["status"])
	assert.True(t, names["service"])
	assert.True(t, names["config"])
	assert.True(t, names["version"])
}

func TestQueryWithoutArgsReturnsError(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{})
	err := root.Execute()
	assert.Error(t, err)
}
