package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/logger"
)

func TestLogger_EventIncludesComponentAndEvaluation(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&buf, logger.ComponentCoordinator).WithEvaluation("eval-123")

	l.Event(context.Background(), "execution_dispatched", "worker", "worker-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "execution_dispatched", line["msg"])
	assert.Equal(t, "coordinator", line["component"])
	assert.Equal(t, "eval-123", line["evaluation_id"])
	assert.Equal(t, "worker-1", line["worker"])
}

func TestNewEvaluationID_Unique(t *testing.T) {
	a := logger.NewEvaluationID()
	b := logger.NewEvaluationID()
	assert.NotEqual(t, a, b)
}
