package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssdp-platform/trust/common/middleware"
)

func TestNewWithWriter_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		isJSON bool
	}{
		{name: "json", format: "json", isJSON: true},
		{name: "text", format: "text", isJSON: false},
		{name: "default is json", format: "", isJSON: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, slog.LevelInfo, tt.format)
			logger.Info("hello")

			var decoded map[string]any
			err := json.Unmarshal(buf.Bytes(), &decoded)
			assert.Equal(t, tt.isJSON, err == nil)
		})
	}
}

func TestWithContext_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	logger.InfoContext(ctx, "decision logged")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "req-42", decoded[FieldRequestID])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, FieldUserID, UserID("u-1").Key)
	assert.Equal(t, "sales_rep", Role("sales_rep").Value.String())
	assert.Equal(t, "boom", Error(errors.New("boom")).Value.String())
	assert.Equal(t, int64(3), Attempts(3).Value.Int64())
}
