// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/ctlplane"
	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/qos"
)

// MockClient is a testify mock of the control plane client.
type MockClient struct {
	mock.Mock
}

var _ ctlplane.ControlPlaneClient = (*MockClient)(nil)

func (m *MockClient) Close() error { return nil }

func (m *MockClient) Status() (*ctlplane.Status, error) {
	args := m.Called()
	st, _ := args.Get(0).(*ctlplane.Status)
	return st, args.Error(1)
}

func (m *MockClient) FlowStats() ([]flow.Stats, error) {
	args := m.Called()
	return args.Get(0).([]flow.Stats), args.Error(1)
}

func (m *MockClient) ProcessImagePath(pid uint32) (string, error) {
	args := m.Called(pid)
	return args.String(0), args.Error(1)
}

func (m *MockClient) AbortFlow(id uint64) error {
	return m.Called(id).Error(0)
}

func (m *MockClient) AddBucket(limits qos.Limits) (uint64, error) {
	args := m.Called(limits)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockClient) DeleteBucket(id uint64) error {
	return m.Called(id).Error(0)
}

func (m *MockClient) ModifyBucket(id uint64, limits qos.Limits) error {
	return m.Called(id, limits).Error(0)
}

func (m *MockClient) BucketStats(id uint64) ([]qos.Stats, error) {
	args := m.Called(id)
	return args.Get(0).([]qos.Stats), args.Error(1)
}

func (m *MockClient) ReplaceRules(rules []engine.Rule) (int, error) {
	args := m.Called(rules)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) AddBindRules(rules []engine.BindRule) (int, error) {
	args := m.Called(rules)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) ReplaceBindRules(rules []engine.BindRule) (int, error) {
	args := m.Called(rules)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) Attach(pid uint32) (*ctlplane.AttachReply, error) {
	args := m.Called(pid)
	r, _ := args.Get(0).(*ctlplane.AttachReply)
	return r, args.Error(1)
}

func (m *MockClient) Detach(sessionID string) error {
	return m.Called(sessionID).Error(0)
}

func (m *MockClient) ReadEvents(sessionID string, timeout time.Duration) ([]wire.Record, error) {
	args := m.Called(sessionID, timeout)
	return args.Get(0).([]wire.Record), args.Error(1)
}

func (m *MockClient) WriteCommands(sessionID string, records ...wire.Record) (int, error) {
	args := m.Called(sessionID, records)
	return args.Int(0), args.Error(1)
}

const ruleFile = `
buckets:
  - name: slow
    out_bytes_per_sec: 2048
rules:
  - name: web
    protocol: tcp
    remote_port: "443"
    flags: [filter]
    flow_control: slow
bind_rules:
  - name: pin
    protocol: udp
    new_local: 10.0.0.9:0
`

func writeRuleFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunRulesApply(t *testing.T) {
	m := new(MockClient)
	m.On("AddBucket", qos.Limits{OutBytesPerSec: 2048}).Return(uint64(5), nil)
	m.On("ReplaceRules", mock.MatchedBy(func(rules []engine.Rule) bool {
		return len(rules) == 1 && rules[0].FlowControl == 5 && rules[0].Flags.Has(engine.FlagFilter)
	})).Return(1, nil)
	m.On("ReplaceBindRules", mock.MatchedBy(func(rules []engine.BindRule) bool {
		return len(rules) == 1 && rules[0].Flags.Has(engine.FlagRedirect)
	})).Return(1, nil)

	var buf bytes.Buffer
	require.NoError(t, runRulesApply(m, writeRuleFile(t, ruleFile), &buf))
	assert.Contains(t, buf.String(), "bucket slow: id 5")
	assert.Contains(t, buf.String(), "Applied 1 rules and 1 bind rules")
	m.AssertExpectations(t)
}

func TestRunRulesApplyUndoesBucketsOnFailure(t *testing.T) {
	m := new(MockClient)
	m.On("AddBucket", mock.Anything).Return(uint64(5), nil)
	m.On("ReplaceRules", mock.Anything).Return(0, errors.New("device busy"))
	m.On("DeleteBucket", uint64(5)).Return(nil)

	err := runRulesApply(m, writeRuleFile(t, ruleFile), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	m.AssertExpectations(t)
	m.AssertNotCalled(t, "ReplaceBindRules", mock.Anything)
}

func TestRunRulesApplyUnknownBucket(t *testing.T) {
	m := new(MockClient)
	path := writeRuleFile(t, "rules:\n  - name: web\n    flow_control: nope\n")

	err := runRulesApply(m, path, &bytes.Buffer{})
	require.Error(t, err)
	m.AssertNotCalled(t, "ReplaceRules", mock.Anything)
}

func TestRunRulesClear(t *testing.T) {
	m := new(MockClient)
	m.On("ReplaceRules", []engine.Rule(nil)).Return(0, nil)
	m.On("ReplaceBindRules", []engine.BindRule(nil)).Return(0, nil)

	var buf bytes.Buffer
	require.NoError(t, runRulesClear(m, &buf))
	assert.Equal(t, "Rules cleared\n", buf.String())
	m.AssertExpectations(t)
}

func TestRunBucketAddAndStats(t *testing.T) {
	m := new(MockClient)
	limits := qos.Limits{InBytesPerSec: 100}
	m.On("AddBucket", limits).Return(uint64(3), nil)
	m.On("BucketStats", uint64(3)).Return([]qos.Stats{{ID: 3, Limits: limits, InBytes: 42}}, nil)

	var buf bytes.Buffer
	require.NoError(t, runBucketAdd(m, limits, &buf))
	assert.Equal(t, "3\n", buf.String())

	buf.Reset()
	require.NoError(t, runBucketStats(m, 3, &buf))
	assert.Contains(t, buf.String(), `"in_bytes": 42`)
	m.AssertExpectations(t)
}

func TestRunStatus(t *testing.T) {
	m := new(MockClient)
	m.On("Status").Return(&ctlplane.Status{DriverType: "sim", Rules: 2}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStatus(m, &buf))
	assert.Contains(t, buf.String(), `"driver_type": "sim"`)
	assert.Contains(t, buf.String(), `"rules": 2`)
}

func TestParseID(t *testing.T) {
	id, err := parseID("17")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), id)

	for _, bad := range []string{"0", "-1", "abc", ""} {
		_, err := parseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestFlowsAbortCommand(t *testing.T) {
	m := new(MockClient)
	m.On("AbortFlow", uint64(9)).Return(nil)
	prev := dialClient
	dialClient = func(string) (ctlplane.ControlPlaneClient, error) { return m, nil }
	t.Cleanup(func() { dialClient = prev })

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"flows", "abort", "9"})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })

	require.NoError(t, Execute())
	assert.Equal(t, "Flow 9 aborted\n", buf.String())
	m.AssertExpectations(t)
}

func TestRunConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.hcl")
	require.NoError(t, os.WriteFile(good, []byte(`
flow_control {
  bucket "slow" {
    out_bytes_per_sec = 1024
  }
}
rule "web" {
  protocol     = "tcp"
  flags        = ["filter"]
  flow_control = "slow"
}
`), 0o600))
	var buf bytes.Buffer
	require.NoError(t, RunConfigValidate(good, &buf))
	assert.Contains(t, buf.String(), "1 rules")

	bad := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(bad, []byte(`
rule "web" {
  flow_control = "missing"
}
`), 0o600))
	buf.Reset()
	require.Error(t, RunConfigValidate(bad, &buf))
	assert.Contains(t, buf.String(), "validation failed")
}
