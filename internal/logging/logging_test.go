package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	logger := New("DEBUG", "json")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	fallback := New("chatty", "")
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
	_, isText := fallback.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

func TestFromContextReturnsAttachedEntry(t *testing.T) {
	entry := Discard().WithField("request_id", "req-1")
	ctx := WithEntry(context.Background(), entry)

	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "req-1", got.Data["request_id"])
	assert.NotNil(t, FromContext(context.Background()))
}
