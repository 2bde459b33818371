package deploy

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
	rt, err := pipeline.NewRuntime(config.RoleDeploy, cfg.Workers[config.RoleDeploy], broker,
		pipeline.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	proc, err := New(rt, runner, cfg.Pipeline.Commands.Deploy, testutil.DiscardLogger())
	require.NoError(t, err)
	return proc, broker
}

func request() *payload.Payload {
	return &payload.Payload{Application: "adsws", Environment: "staging", Version: "v1.0.1"}
}

func TestNew_RequiresCommand(t *testing.T) {
	_, err := New(nil, testutil.NewMockRunner(), "", nil)
	assert.True(t, errors.IsFatal(err))
}

func TestProcess_Success(t *testing.T) {
	runner := testutil.NewMockRunner()
	proc, broker := newProcessor(t, runner)

	require.NoError(t, proc.Process(context.Background(), request()))

	assert.Equal(t, []string{"./safe-deploy.sh staging"}, runner.Calls())
	statuses := broker.Payloads(t, config.TopicStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, "staging-adsws deployment starts", statuses[0].Msg.Or(""))

	onward := broker.DecodeOne(t, config.TopicTest)
	assert.Equal(t, MsgDeployed, onward.Msg.Or(""))
	assert.True(t, onward.Deployed.Or(false))
	assert.Equal(t, "v1.0.1", onward.Version)
	assert.Equal(t, onward, statuses[1])
	assert.Empty(t, broker.Published(config.TopicError))
}

func TestProcess_CommandFails(t *testing.T) {
	runner := testutil.NewMockRunner().On("./safe-deploy.sh", executor.Result{ExitCode: 1, Stderr: "disk full"})
	proc, broker := newProcessor(t, runner)

	require.NoError(t, proc.Process(context.Background(), request()))

	failed := broker.DecodeOne(t, config.TopicError)
	deployed, ok := failed.Deployed.Get()
	require.True(t, ok)
	assert.False(t, deployed)
	assert.Equal(t, ErrFailed, failed.Err)
	assert.Contains(t, failed.Msg.Or(""), "disk full")

	statuses := broker.Payloads(t, config.TopicStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, failed, statuses[1])
	assert.Empty(t, broker.Published(config.TopicTest))
}

func TestProcess_MissingTarget(t *testing.T) {
	runner := testutil.NewMockRunner()
	proc, broker := newProcessor(t, runner)

	err := proc.Process(context.Background(), &payload.Payload{Environment: "staging"})
	assert.True(t, errors.IsInvalid(err))
	assert.Empty(t, runner.Calls())
	assert.Empty(t, broker.Subjects())
}
