package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-ai/convoflow/model"
)

func TestNewEngineValidation(t *testing.T) {
	agents := map[string]Agent{AgentGeneral: finalAgent(AgentGeneral, "ok")}

	_, err := NewEngine(Config{Agents: agents})
	require.Error(t, err, "detector is required")

	_, err = NewEngine(Config{Detector: intentDetector(IntentGeneral)})
	require.Error(t, err, "agents are required")

	_, err = NewEngine(Config{
		Detector: intentDetector(IntentGeneral),
		Agents:   map[string]Agent{AgentGreeting: finalAgent(AgentGreeting, "hi")},
	})
	require.Error(t, err, "the general safety net must be registered")
}

func TestNewEngineWithFullCatalogue(t *testing.T) {
	stub := modelFunc(func() (*model.Response, error) {
		return &model.Response{Text: "ok", TokensUsed: 1}, nil
	})
	e, err := NewEngine(Config{
		Detector: intentDetector(IntentGeneral),
		Agents:   DefaultAgents(stub),
	})
	require.NoError(t, err)
	assert.NotNil(t, e.Checkpoints())
	assert.Len(t, e.registered, len(SpecialistNames()))
}

type modelFunc func() (*model.Response, error)

func (f modelFunc) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	return f()
}

func (f modelFunc) Info() model.Info {
	return model.Info{Name: "stub", Provider: "test"}
}
