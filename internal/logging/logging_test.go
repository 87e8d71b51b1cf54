package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestInitJSONComponent(t *testing.T) {
	prev := Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})

	log := Component(Logger, "query-channels")
	log.Info().Str("cid", "messaging:general").Msg("loaded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "query-channels", entry["component"])
	require.Equal(t, "messaging:general", entry["cid"])
	require.Equal(t, "loaded", entry["message"])
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	custom := zerolog.New(&buf)

	ctx := WithContext(context.Background(), custom)
	got := FromContext(ctx)
	got.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")

	require.Equal(t, Logger, FromContext(context.Background()))
}
