// Package payload defines the message envelope carried between pipeline stages.
//
// A Payload has typed fields for the keys every stage contracts on and keeps any
// other key in Extra, so stages forward data they do not understand unchanged.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/adsabs/ADSDeploy/errors"
)

// Action values understood by the before-deploy and restart stages.
const (
	ActionDeploy      = "deploy"
	ActionRestart     = "restart"
	ActionRestartSoft = "restart-soft"
	ActionRestartHard = "restart-hard"
)

// Payload is the JSON message flowing through the pipeline.
type Payload struct {
	Application string
	Environment string
	Version     string

	// Commit and Tag are the legacy spellings of Version.
	Commit string
	Tag    string

	URL    string
	Path   string
	Action string
	Err    string

	Msg           Field[string]
	Deployed      Field[bool]
	Tested        Field[bool]
	InitTimestamp Field[float64]

	Extra map[string]json.RawMessage
}

// Target identifies one deployable instance.
type Target struct {
	Application string
	Environment string
}

// String renders the target the way operators name environments.
func (t Target) String() string {
	return t.Environment + "-" + t.Application
}

// Target returns the (application, environment) pair.
func (p *Payload) Target() Target {
	return Target{Application: p.Application, Environment: p.Environment}
}

// ResolvedVersion returns Version, falling back to Tag and then Commit.
func (p *Payload) ResolvedVersion() string {
	switch {
	case p.Version != "":
		return p.Version
	case p.Tag != "":
		return p.Tag
	default:
		return p.Commit
	}
}

// StartedAt returns the time the current retry loop began, or now when it has
// not started yet.
func (p *Payload) StartedAt(now time.Time) time.Time {
	ts, ok := p.InitTimestamp.Get()
	if !ok {
		return now
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// StampStart records now as the start of the retry loop unless a start is
// already recorded.
func (p *Payload) StampStart(now time.Time) {
	if _, ok := p.InitTimestamp.Get(); ok {
		return
	}
	p.InitTimestamp.Set(float64(now.UnixNano()) / float64(time.Second))
}

// SetMsg stores a human readable status.
func (p *Payload) SetMsg(msg string) {
	p.Msg.Set(msg)
}

// SetMsgf sets msg from a format string.
func (p *Payload) SetMsgf(format string, args ...any) {
	p.Msg.Set(fmt.Sprintf(format, args...))
}

// Clone returns a deep copy.
func (p *Payload) Clone() *Payload {
	c := *p
	if p.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// RequireTarget fails when application or environment is missing.
func (p *Payload) RequireTarget() error {
	if p.Application == "" {
		return errors.MissingField("Payload", "RequireTarget", "application")
	}
	if p.Environment == "" {
		return errors.MissingField("Payload", "RequireTarget", "environment")
	}
	return nil
}

// RequireIdentity fails unless application, environment and a version are set.
func (p *Payload) RequireIdentity() error {
	if err := p.RequireTarget(); err != nil {
		return err
	}
	if p.ResolvedVersion() == "" {
		return errors.MissingField("Payload", "RequireIdentity", "version")
	}
	return nil
}

// Decode parses a JSON object into a Payload.
func Decode(data []byte) (*Payload, error) {
	p := &Payload{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Payload", "Decode", "decode message")
	}
	return p, nil
}

// Encode serialises the payload to JSON.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

func (p *Payload) stringFields() map[string]*string {
	return map[string]*string{
		"application": &p.Application,
		"environment": &p.Environment,
		"version":     &p.Version,
		"commit":      &p.Commit,
		"tag":         &p.Tag,
		"url":         &p.URL,
		"path":        &p.Path,
		"action":      &p.Action,
		"err":         &p.Err,
	}
}

// MarshalJSON writes the known keys that are set plus every extra key.
// Empty strings and absent fields are left out.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+12)
	for k, v := range p.Extra {
		out[k] = v
	}
	for k, v := range p.stringFields() {
		if *v != "" {
			out[k] = *v
		}
	}
	if p.Msg.Present() {
		out["msg"] = p.Msg
	}
	if p.Deployed.Present() {
		out["deployed"] = p.Deployed
	}
	if p.Tested.Present() {
		out["tested"] = p.Tested
	}
	if p.InitTimestamp.Present() {
		out["init_timestamp"] = p.InitTimestamp
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a JSON object. Unknown keys are kept in Extra.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("payload must be a JSON object")
	}

	*p = Payload{}
	for k, dst := range p.stringFields() {
		v, ok := raw[k]
		if !ok {
			continue
		}
		delete(raw, k)
		if string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}

	optional := map[string]json.Unmarshaler{
		"msg":            &p.Msg,
		"deployed":       &p.Deployed,
		"tested":         &p.Tested,
		"init_timestamp": &p.InitTimestamp,
	}
	for k, dst := range optional {
		v, ok := raw[k]
		if !ok {
			continue
		}
		delete(raw, k)
		if err := dst.UnmarshalJSON(v); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}

	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}
