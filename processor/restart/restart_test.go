package restart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/executor"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pipeline"
	"github.com/adsabs/ADSDeploy/testutil"
)

func newProcessor(t *testing.T, runner executor.Runner) (*Processor, *testutil.MockBroker) {
	t.Helper()
	cfg := config.Default()
	broker := testutil.NewMockBroker()
	rt, err := pipeline.NewRuntime(config.RoleRestart, cfg.Workers[config.RoleRestart], broker,
		pipeline.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	proc, err := New(rt, runner, Commands{
		Soft: cfg.Pipeline.Commands.RestartSoft,
		Hard: cfg.Pipeline.Commands.RestartHard,
	}, testutil.DiscardLogger())
	require.NoError(t, err)
	return proc, broker
}

func request(action string) *payload.Payload {
	return &payload.Payload{Application: "adsws", Environment: "staging", Version: "v1", Action: action}
}

func TestNew_RequiresCommands(t *testing.T) {
	_, err := New(nil, testutil.NewMockRunner(), Commands{Soft: "x"}, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestProcess_SelectsCommand(t *testing.T) {
	tests := []struct {
		action  string
		command string
	}{
		{"restart", "./restart.sh soft staging"},
		{"restart-soft", "./restart.sh soft staging"},
		{"restart-hard", "./restart.sh hard staging"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			runner := testutil.NewMockRunner()
			proc, broker := newProcessor(t, runner)

			require.NoError(t, proc.Process(context.Background(), request(tt.action)))
			assert.Equal(t, []string{tt.command}, runner.Calls())

			onward := broker.DecodeOne(t, config.TopicTest)
			assert.Equal(t, MsgRestarted, onward.Msg.Or(""))
			assert.False(t, onward.Deployed.Present())

			statuses := broker.Payloads(t, config.TopicStatus)
			require.Len(t, statuses, 2)
			assert.Equal(t, "staging-adsws "+tt.action+" starts", statuses[0].Msg.Or(""))
		})
	}
}

func TestProcess_UnknownAction(t *testing.T) {
	runner := testutil.NewMockRunner()
	proc, broker := newProcessor(t, runner)

	require.NoError(t, proc.Process(context.Background(), request("reboot")))

	assert.Empty(t, runner.Calls())
	failed := broker.DecodeOne(t, config.TopicError)
	assert.Equal(t, "unknown action", failed.Err)
	assert.Empty(t, broker.Published(config.TopicStatus))
}

func TestProcess_Failure(t *testing.T) {
	runner := testutil.NewMockRunner().On("./restart.sh hard", executor.Result{ExitCode: 2, Stderr: "no such environment"})
	proc, broker := newProcessor(t, runner)

	require.NoError(t, proc.Process(context.Background(), request("restart-hard")))

	failed := broker.DecodeOne(t, config.TopicError)
	assert.Equal(t, ErrFailed, failed.Err)
	assert.Equal(t, "restart failed; command: ./restart.sh hard staging, reason: no such environment, stdout: ",
		failed.Msg.Or(""))
	assert.False(t, failed.Deployed.Or(true))
	assert.Len(t, broker.Published(config.TopicStatus), 2)
	assert.Empty(t, broker.Published(config.TopicTest))
}
