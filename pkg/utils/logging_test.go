package utils

import (
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "trace level", input: "TRACE", expected: TRACE},
		{name: "debug level", input: "DEBUG", expected: DEBUG},
		{name: "info level", input: "INFO", expected: INFO},
		{name: "warn level", input: "WARN", expected: WARN},
		{name: "warning level", input: "WARNING", expected: WARN},
		{name: "error level", input: "ERROR", expected: ERROR},
		{name: "case insensitive", input: "debug", expected: DEBUG},
		{name: "invalid level", input: "INVALID", expected: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseLogLevel() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{TRACE, "TRACE"},
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{FATAL, "FATAL"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.level.String(); result != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	if f, err := ParseLogFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseLogFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseLogFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseLogFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Error("ParseLogFormat(xml) should fail")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{4096 * 1000, "3.9 MB"},
		{1024 * 1024 * 1024, "1.0 GB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.bytes); got != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.bytes, got, tt.expected)
		}
	}
}
