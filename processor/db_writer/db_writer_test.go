package dbwriter

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/storage"
	"github.com/adsabs/ADSDeploy/storage/memory"
	mocks "github.com/adsabs/ADSDeploy/testutil"
)

var target = payload.Target{Application: "adsws", Environment: "staging"}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newWriter(t *testing.T, opts ...Option) (*Processor, *memory.Store) {
	t.Helper()
	store := memory.New()
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	w, err := New(store, mocks.DiscardLogger(), opts...)
	require.NoError(t, err)
	return w, store
}

func status(version string, deployed *bool) *payload.Payload {
	p := &payload.Payload{Application: target.Application, Environment: target.Environment, Version: version}
	if deployed != nil {
		p.Deployed.Set(*deployed)
	}
	return p
}

func on() *bool  { v := true; return &v }
func off() *bool { v := false; return &v }

func records(t *testing.T, store storage.Store) map[string]*storage.Deployment {
	t.Helper()
	list, err := store.List(context.Background(), target)
	require.NoError(t, err)
	out := make(map[string]*storage.Deployment, len(list))
	for i := range list {
		out[list[i].Version] = &list[i]
	}
	return out
}

func deployedVersions(t *testing.T, store storage.Store) []string {
	t.Helper()
	var out []string
	for v, d := range records(t, store) {
		if d.IsDeployed() {
			out = append(out, v)
		}
	}
	return out
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestProcess_NewVersionSupersedes(t *testing.T) {
	w, store := newWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Process(ctx, status("v1", on())))
	require.NoError(t, w.Process(ctx, status("v2", on())))

	recs := records(t, store)
	require.Len(t, recs, 2)
	assert.False(t, recs["v1"].IsDeployed())
	require.NotNil(t, recs["v1"].Deployed)
	assert.True(t, recs["v2"].IsDeployed())
}

func TestProcess_OtherTargetsUntouched(t *testing.T) {
	w, store := newWriter(t)
	ctx := context.Background()

	prod := status("v1", on())
	prod.Environment = "production"
	require.NoError(t, w.Process(ctx, prod))
	require.NoError(t, w.Process(ctx, status("v2", on())))

	list, err := store.List(ctx, payload.Target{Application: "adsws", Environment: "production"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsDeployed())
}

func TestProcess_PartialUpdates(t *testing.T) {
	w, store := newWriter(t)
	ctx := context.Background()

	start := status("v1", nil)
	start.SetMsg("staging-adsws deployment starts")
	require.NoError(t, w.Process(ctx, start))

	rec := records(t, store)["v1"]
	assert.Nil(t, rec.Deployed)
	assert.Equal(t, "staging-adsws deployment starts", rec.Msg)

	done := status("v1", on())
	done.SetMsg("deployed")
	require.NoError(t, w.Process(ctx, done))

	tested := status("v1", nil)
	tested.Tested.Set(true)
	require.NoError(t, w.Process(ctx, tested))

	rec = records(t, store)["v1"]
	assert.True(t, rec.IsDeployed(), "absent deployed keeps the stored value")
	assert.True(t, rec.Tested)
	assert.Equal(t, "deployed", rec.Msg, "absent msg keeps the stored value")
	assert.True(t, rec.ModifiedAt.After(rec.CreatedAt))
}

func TestProcess_ExplicitNullClears(t *testing.T) {
	w, store := newWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Process(ctx, status("v1", on())))

	in, err := payload.Decode([]byte(`{"application":"adsws","environment":"staging","version":"v1","deployed":null,"tested":null}`))
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, in))

	rec := records(t, store)["v1"]
	assert.Nil(t, rec.Deployed)
	assert.False(t, rec.Tested)
}

func TestProcess_Idempotent(t *testing.T) {
	w, store := newWriter(t)
	ctx := context.Background()
	msg := status("v1", on())
	msg.SetMsg("deployed")

	require.NoError(t, w.Process(ctx, msg))
	first := records(t, store)["v1"]
	require.NoError(t, w.Process(ctx, msg))
	second := records(t, store)["v1"]

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Deployed, second.Deployed)
	assert.Equal(t, first.Msg, second.Msg)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.ModifiedAt.After(first.ModifiedAt))
}

func TestProcess_LegacyVersionKeys(t *testing.T) {
	w, store := newWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Process(ctx, &payload.Payload{Application: "adsws", Environment: "staging", Commit: "abcd"}))
	require.NoError(t, w.Process(ctx, &payload.Payload{Application: "adsws", Environment: "staging", Tag: "v1.0.0"}))

	recs := records(t, store)
	assert.Contains(t, recs, "abcd")
	assert.Contains(t, recs, "v1.0.0")
}

func TestProcess_MissingIdentity(t *testing.T) {
	w, store := newWriter(t)

	for _, in := range []*payload.Payload{
		{Environment: "staging", Version: "v1"},
		{Application: "adsws", Version: "v1"},
		{Application: "adsws", Environment: "staging"},
	} {
		err := w.Process(context.Background(), in)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
		assert.ErrorIs(t, err, errors.ErrMissingField)
	}
	assert.Equal(t, 0, store.Len())
}

func TestProcess_PersistenceFailureIsSwallowed(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	w, store := newWriter(t, WithMetrics(registry.CoreMetrics()))
	ctx := context.Background()

	require.NoError(t, w.Process(ctx, status("v1", on())))

	store.FailSave = errors.New("connection reset")
	require.NoError(t, w.Process(ctx, status("v2", on())))

	assert.Equal(t, []string{"v1"}, deployedVersions(t, store))
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		registry.CoreMetrics().ErrorsTotal.WithLabelValues(config.RoleDBWriter, "persistence")))
}

func TestProcess_AtMostOneDeployed(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	versions := []string{"v1", "v2", "v3", "v4"}
	values := []*bool{on(), off(), nil}

	for run := 0; run < 50; run++ {
		t.Run(fmt.Sprintf("sequence %d", run), func(t *testing.T) {
			w, store := newWriter(t)
			for i := 0; i < 20; i++ {
				in := status(versions[rng.Intn(len(versions))], values[rng.Intn(len(values))])
				require.NoError(t, w.Process(context.Background(), in))
				assert.LessOrEqual(t, len(deployedVersions(t, store)), 1)
			}
		})
	}
}
