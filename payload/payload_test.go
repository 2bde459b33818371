package payload

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/ADSDeploy/errors"
)

func TestDecode_KnownAndExtraFields(t *testing.T) {
	p, err := Decode([]byte(`{
		"application": "adsws",
		"environment": "staging",
		"action": "deploy",
		"msg": "OK to deploy",
		"deployed": null,
		"init_timestamp": 1700000000.5,
		"author": "ops"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "adsws", p.Application)
	assert.Equal(t, "staging", p.Environment)
	assert.Equal(t, ActionDeploy, p.Action)
	assert.Equal(t, "OK to deploy", p.Msg.Or(""))
	assert.True(t, p.Deployed.Present())
	assert.True(t, p.Deployed.IsNull())
	assert.False(t, p.Tested.Present())
	assert.Equal(t, 1700000000.5, p.InitTimestamp.Or(0))
	assert.JSONEq(t, `"ops"`, string(p.Extra["author"]))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `deploy adsws`},
		{"array", `["adsws"]`},
		{"null", `null`},
		{"wrong type", `{"application": 3}`},
		{"wrong optional type", `{"deployed": "yes"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrParsingFailed)
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	in := `{"application":"adsws","environment":"staging","version":"v1.2","deployed":true,"tested":false,"msg":"deployed","build":{"id":7}}`

	p, err := Decode([]byte(in))
	require.NoError(t, err)

	out, err := p.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestEncode_OmitsAbsentKeepsNull(t *testing.T) {
	p := &Payload{Application: "adsws", Environment: "qa"}
	p.Deployed.SetNull()

	out, err := p.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"application":"adsws","environment":"qa","deployed":null}`, string(out))

	p.Deployed.Unset()
	out, err = p.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"application":"adsws","environment":"qa"}`, string(out))
}

func TestResolvedVersion(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		want string
	}{
		{"version wins", Payload{Version: "v2", Tag: "v1", Commit: "abc"}, "v2"},
		{"tag before commit", Payload{Tag: "v1", Commit: "abc"}, "v1"},
		{"commit", Payload{Commit: "abc"}, "abc"},
		{"none", Payload{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.ResolvedVersion())
		})
	}
}

func TestRequireIdentity(t *testing.T) {
	tests := []struct {
		name    string
		p       Payload
		missing string
	}{
		{"complete", Payload{Application: "a", Environment: "e", Version: "v"}, ""},
		{"legacy commit", Payload{Application: "a", Environment: "e", Commit: "abc"}, ""},
		{"no application", Payload{Environment: "e", Version: "v"}, "application"},
		{"no environment", Payload{Application: "a", Version: "v"}, "environment"},
		{"no version", Payload{Application: "a", Environment: "e"}, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.RequireIdentity()
			if tt.missing == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMissingField)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.missing)
		})
	}
}

func TestStampStart(t *testing.T) {
	now := time.Unix(1700000000, 250_000_000)
	p := &Payload{}

	assert.Equal(t, now, p.StartedAt(now))

	p.StampStart(now)
	started := p.StartedAt(now.Add(time.Hour))
	assert.WithinDuration(t, now, started, time.Millisecond)

	p.StampStart(now.Add(time.Hour))
	assert.WithinDuration(t, now, p.StartedAt(time.Time{}), time.Millisecond)
}

func TestClone_IsDeep(t *testing.T) {
	p := &Payload{Application: "adsws", Extra: map[string]json.RawMessage{"build": json.RawMessage(`7`)}}
	p.Deployed.Set(true)

	c := p.Clone()
	c.Application = "myads"
	c.Deployed.Set(false)
	c.Extra["build"][0] = '8'

	assert.Equal(t, "adsws", p.Application)
	assert.True(t, p.Deployed.Or(false))
	assert.Equal(t, `7`, string(p.Extra["build"]))
}

func TestTarget(t *testing.T) {
	p := &Payload{Application: "adsws", Environment: "staging"}
	assert.Equal(t, Target{Application: "adsws", Environment: "staging"}, p.Target())
	assert.Equal(t, "staging-adsws", p.Target().String())
}

func TestField(t *testing.T) {
	var f Field[bool]
	assert.False(t, f.Present())
	_, ok := f.Get()
	assert.False(t, ok)

	f.Set(false)
	v, ok := f.Get()
	assert.True(t, ok)
	assert.False(t, v)
	assert.False(t, f.IsNull())

	n := Null[string]()
	assert.True(t, n.Present())
	assert.True(t, n.IsNull())
	assert.Equal(t, "fallback", n.Or("fallback"))
}

func TestSetMsg_KeepsVerbs(t *testing.T) {
	p := &Payload{}
	p.SetMsg("no recipe tracks github.com/adsabs/100%25-coverage")
	assert.Equal(t, "no recipe tracks github.com/adsabs/100%25-coverage", p.Msg.Or(""))

	p.SetMsgf("unknown action %q", "rollback")
	assert.Equal(t, `unknown action "rollback"`, p.Msg.Or(""))
}
