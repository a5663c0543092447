package serialstage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
)

// fakeNode is a directly-implemented Node for deterministic Stage tests,
// bypassing the real serial wire encoding entirely.
type fakeNode struct {
	addr   byte
	status NodeStatus

	diagnosticAfter int // ENTER_DIAGNOSTIC calls needed before reporting DIAGNOSTIC
	diagnosticCalls int

	answers map[string]RequestResult
}

func (n *fakeNode) Addr() byte { return n.addr }

func (n *fakeNode) Status() NodeStatus {
	cp := make(NodeStatus, len(n.status))
	for k, v := range n.status {
		cp[k] = v
	}
	return cp
}

func (n *fakeNode) WaitForStatus(ctx context.Context, predicate func(NodeStatus) bool, timeout time.Duration) error {
	return nil
}

func (n *fakeNode) SendRequestAndWait(ctx context.Context, cmdName string) (RequestResult, error) {
	if r, ok := n.answers[cmdName]; ok {
		return r, nil
	}
	return RequestResult{Status: RequestSuccess}, nil
}

func (n *fakeNode) SendRequest(cmdName string, onComplete func(RequestResult)) error {
	if cmdName == "ENTER_DIAGNOSTIC" {
		n.diagnosticCalls++
		if n.diagnosticCalls >= n.diagnosticAfter {
			n.status["status_level"] = StatusDiagnostic
		}
	}
	if onComplete != nil {
		onComplete(RequestResult{Status: RequestSuccess})
	}
	return nil
}

type fakeProtocol struct {
	nodes []*fakeNode
}

func (p *fakeProtocol) AttachNode(addr byte) Node {
	for _, n := range p.nodes {
		if n.addr == addr {
			return n
		}
	}
	return nil
}

func (p *fakeProtocol) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *fakeProtocol) Close() error { return nil }

func newDuplexFake() *fakeProtocol {
	return &fakeProtocol{
		nodes: []*fakeNode{
			{addr: 200, status: NodeStatus{"status_level": StatusStandby}, diagnosticAfter: 1,
				answers: map[string]RequestResult{
					"READ_SLAVES_CONFIGURATION": {Status: RequestSuccess, CustomAnswerDict: map[string]any{"raw": []byte{0x01}}},
					"FW_VERSIONS":                {Status: RequestSuccess, CustomAnswerDict: map[string]any{"master": "1.2.3"}},
					"BOOT_VERSIONS":              {Status: RequestSuccess, CustomAnswerDict: map[string]any{"boot_master": "0.1.0"}},
				}},
		},
	}
}

func testOptions() Options {
	return Options{
		Mode:                    ModeDuplex,
		SerialPort:              "/dev/fake",
		Baud:                    115200,
		PowerOnTimeoutDuplex:    2 * time.Second,
		PowerOnTimeoutMultidrop: 2 * time.Second,
	}
}

func TestStage_RunHappyPath(t *testing.T) {
	fp := newDuplexFake()
	stage := newStageWithFactory(testOptions(), fwlog.New("test"), func(string, int) (Protocol, error) {
		return fp, nil
	})

	inv, err := stage.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, inv.SlavesConfiguration)
	assert.Equal(t, "1.2.3", inv.FWVersions["master"])
	assert.Equal(t, "0.1.0", inv.BootVersions["boot_master"])
}

func TestStage_RunFailsWhenMasterNeverReady(t *testing.T) {
	fp := &fakeProtocol{
		nodes: []*fakeNode{
			{addr: 200, status: NodeStatus{"status_level": StatusPowerOff}, diagnosticAfter: 1},
		},
	}
	opts := testOptions()
	opts.PowerOnTimeoutDuplex = 1100 * time.Millisecond
	stage := newStageWithFactory(opts, fwlog.New("test"), func(string, int) (Protocol, error) {
		return fp, nil
	})

	_, err := stage.Run(context.Background())
	require.Error(t, err)
}

func TestStage_RunRetriesEnterDiagnostic(t *testing.T) {
	fp := newDuplexFake()
	fp.nodes[0].diagnosticAfter = 2 // fails first attempt, succeeds second

	stage := newStageWithFactory(testOptions(), fwlog.New("test"), func(string, int) (Protocol, error) {
		return fp, nil
	})

	_, err := stage.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fp.nodes[0].diagnosticCalls, 2)
}

func TestOptions_NodeAddrsMultidropCoversMasterAndSlaves(t *testing.T) {
	opts := Options{Mode: ModeMultidrop}
	addrs := opts.nodeAddrs()
	require.Len(t, addrs, 6)
	assert.Equal(t, byte(50), addrs[0])
	assert.Equal(t, byte(55), addrs[5])
}
