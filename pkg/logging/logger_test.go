package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// setupBuffer installs a base logger writing JSON lines to the returned buffer.
func setupBuffer(t *testing.T, level string) (*bytes.Buffer, zerolog.Logger) {
	t.Helper()

	buf := &bytes.Buffer{}
	base, err := Setup(Config{Level: level, Output: buf})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })
	return buf, base
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return line
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    zerolog.Level
		wantErr bool
	}{
		{name: "", want: zerolog.InfoLevel},
		{name: "debug", want: zerolog.DebugLevel},
		{name: "INFO", want: zerolog.InfoLevel},
		{name: "warn", want: zerolog.WarnLevel},
		{name: "warning", want: zerolog.WarnLevel},
		{name: " error ", want: zerolog.ErrorLevel},
		{name: "disabled", want: zerolog.Disabled},
		{name: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %t", tt.name, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestSetup_InvalidLevel(t *testing.T) {
	if _, err := Setup(Config{Level: "loud"}); err == nil {
		t.Error("Setup() expected error for unknown level")
	}
}

func TestNewPartitionLogger(t *testing.T) {
	buf, _ := setupBuffer(t, "debug")

	logger := NewPartitionLogger(ComponentFetcher, 3)
	logger.Debug().Int("batch_size", 250).Msg("Page fetched")

	line := decodeLine(t, buf)
	if line[FieldComponent] != ComponentFetcher {
		t.Errorf("component = %v, want %q", line[FieldComponent], ComponentFetcher)
	}
	if line[FieldPartition] != float64(3) {
		t.Errorf("partition = %v, want 3", line[FieldPartition])
	}
	if line["batch_size"] != float64(250) {
		t.Errorf("batch_size = %v, want 250", line["batch_size"])
	}
	if _, ok := line["time"]; !ok {
		t.Error("log line has no timestamp")
	}
}

func TestWithPartition_KeepsComponent(t *testing.T) {
	buf, base := setupBuffer(t, "info")

	logger := WithPartition(Component(base, ComponentCursor), 7)
	logger.Info().Msg("Cursor saved")

	line := decodeLine(t, buf)
	if line[FieldComponent] != ComponentCursor || line[FieldPartition] != float64(7) {
		t.Errorf("line = %v, want component %q and partition 7", line, ComponentCursor)
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	buf, _ := setupBuffer(t, "warn")
	logger := NewPartitionLogger(ComponentImporter, 1)

	logger.Debug().Msg("page fetched")
	logger.Info().Msg("restoration step")
	logger.Warn().Msg("fetch failed")

	output := buf.String()
	for _, filtered := range []string{"page fetched", "restoration step"} {
		if strings.Contains(output, filtered) {
			t.Errorf("%q logged at warn level", filtered)
		}
	}
	if !strings.Contains(output, "fetch failed") {
		t.Error("warn line missing at warn level")
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	if _, err := Setup(Config{Level: "info", Pretty: true, Output: buf}); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	logger := NewLogger(ComponentServer)
	logger.Info().Msg("Starting status server")

	output := buf.String()
	if strings.HasPrefix(output, "{") {
		t.Errorf("pretty output is JSON: %q", output)
	}
	if !strings.Contains(output, "Starting status server") {
		t.Errorf("output = %q", output)
	}
}
