package probe

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/elasticbeanstalk"
	"github.com/aws/aws-sdk-go/service/elasticbeanstalk/elasticbeanstalkiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/executor"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/testutil"
)

const findEnvOutput = `Ready  Green  adsws  adsws-staging.elasticbeanstalk.com  staging-adsws-v2
Updating  Grey  adsws  adsws-staging-2.elasticbeanstalk.com  staging-adsws-v3

garbage
`

var target = payload.Target{Application: "adsws", Environment: "staging"}

func TestAllReady(t *testing.T) {
	assert.True(t, AllReady(nil))
	assert.True(t, AllReady([]Resource{{Name: "a", Status: "Ready"}}))
	assert.False(t, AllReady([]Resource{{Name: "a", Status: "Ready"}, {Name: "b", Status: "Launching"}}))
}

func TestCommandProbe_Resources(t *testing.T) {
	runner := testutil.NewMockRunner().On("./find-env", executor.Result{Stdout: findEnvOutput})
	p := NewCommandProbe(runner, "./find-env-by-attr url {environment}", "eb terminate {environment}")

	resources, err := p.Resources(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []Resource{
		{Name: "staging-adsws-v2", Status: "Ready"},
		{Name: "staging-adsws-v3", Status: "Updating"},
	}, resources)
	assert.Equal(t, []string{"./find-env-by-attr url staging"}, runner.Calls())
}

func TestCommandProbe_ResourcesFailure(t *testing.T) {
	runner := testutil.NewMockRunner().On("./find-env", executor.Result{ExitCode: 1})
	p := NewCommandProbe(runner, "./find-env {environment}", "")

	_, err := p.Resources(context.Background(), target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutionFailed))
}

func TestCommandProbe_IdleAndTerminate(t *testing.T) {
	runner := testutil.NewMockRunner().On("./find-env", executor.Result{Stdout: findEnvOutput})
	p := NewCommandProbe(runner, "./find-env {environment}", "eb terminate --force --nohang {environment}")

	idle, err := p.IdleEnvironments(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []string{"staging-adsws-v2"}, idle)

	require.NoError(t, p.Terminate(context.Background(), target, "staging-adsws-v2"))
	calls := runner.Calls()
	assert.Equal(t, "eb terminate --force --nohang staging-adsws-v2", calls[len(calls)-1])
}

type mockEBClient struct {
	elasticbeanstalkiface.ElasticBeanstalkAPI
	envs       []*elasticbeanstalk.EnvironmentDescription
	describe   *elasticbeanstalk.DescribeEnvironmentsInput
	terminated []string
	err        error
}

func (m *mockEBClient) DescribeEnvironmentsWithContext(_ aws.Context, in *elasticbeanstalk.DescribeEnvironmentsInput, _ ...request.Option) (*elasticbeanstalk.EnvironmentDescriptionsMessage, error) {
	m.describe = in
	if m.err != nil {
		return nil, m.err
	}
	return &elasticbeanstalk.EnvironmentDescriptionsMessage{Environments: m.envs}, nil
}

func (m *mockEBClient) TerminateEnvironmentWithContext(_ aws.Context, in *elasticbeanstalk.TerminateEnvironmentInput, _ ...request.Option) (*elasticbeanstalk.EnvironmentDescription, error) {
	if m.err != nil {
		return nil, m.err
	}
	if !aws.BoolValue(in.ForceTerminate) {
		return nil, errors.New("force terminate not set")
	}
	m.terminated = append(m.terminated, aws.StringValue(in.EnvironmentName))
	return &elasticbeanstalk.EnvironmentDescription{EnvironmentName: in.EnvironmentName}, nil
}

func env(name, status string) *elasticbeanstalk.EnvironmentDescription {
	return &elasticbeanstalk.EnvironmentDescription{EnvironmentName: aws.String(name), Status: aws.String(status)}
}

func TestElasticBeanstalk_Resources(t *testing.T) {
	client := &mockEBClient{envs: []*elasticbeanstalk.EnvironmentDescription{
		env("staging-adsws-v2", "Ready"),
		env("production-adsws", "Ready"),
		env("staging-adsws-v3", "Updating"),
	}}
	p := NewElasticBeanstalkWithAPI(client)

	resources, err := p.Resources(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, "adsws", aws.StringValue(client.describe.ApplicationName))
	assert.Equal(t, []Resource{
		{Name: "staging-adsws-v2", Status: "Ready"},
		{Name: "staging-adsws-v3", Status: "Updating"},
	}, resources)

	idle, err := p.IdleEnvironments(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []string{"staging-adsws-v2"}, idle)
}

func TestElasticBeanstalk_Terminate(t *testing.T) {
	client := &mockEBClient{}
	p := NewElasticBeanstalkWithAPI(client)

	require.NoError(t, p.Terminate(context.Background(), target, "staging-adsws-v2"))
	assert.Equal(t, []string{"staging-adsws-v2"}, client.terminated)
}

func TestElasticBeanstalk_ErrorsAreTransient(t *testing.T) {
	p := NewElasticBeanstalkWithAPI(&mockEBClient{err: errors.New("throttled")})

	_, err := p.Resources(context.Background(), target)
	assert.True(t, errors.IsTransient(err))
	err = p.Terminate(context.Background(), target, "x")
	assert.True(t, errors.IsTransient(err))
}

func TestNew(t *testing.T) {
	cfg := config.Default()

	p, err := New(cfg.Probe, cfg.Pipeline.Commands, testutil.NewMockRunner())
	require.NoError(t, err)
	assert.IsType(t, &CommandProbe{}, p)

	p, err = New(config.ProbeConfig{Kind: config.ProbeElasticBeanstalk, Region: "us-east-1"}, cfg.Pipeline.Commands, nil)
	require.NoError(t, err)
	assert.IsType(t, &ElasticBeanstalk{}, p)

	_, err = New(config.ProbeConfig{Kind: "ssh"}, cfg.Pipeline.Commands, nil)
	assert.True(t, errors.IsFatal(err))
}
