package serialstage

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
)

// Status-level byte values on the wire, matching original_source's
// status_level enum names.
var statusLevelNames = map[byte]string{
	0x00: StatusPowerOff,
	0x06: StatusAlarm,
	0x04: StatusStandby,
	0x07: StatusDiagnostic,
	0x09: "JUMPING",
}

// Command codes this package's concrete serial encoding uses. The real
// application firmware's wire format is out of this module's scope
// (spec.md §6); these values only need to round-trip against
// serialProtocol's own read loop.
const (
	wireCmdStatusPush             = 0x00
	wireCmdEnterDiagnostic        = 0x01
	wireCmdDiagJumpToBoot         = 0x02
	wireCmdReadSlavesConfiguration = 0x03
	wireCmdFWVersions             = 0x04
	wireCmdBootVersions           = 0x05
)

// serialNode is the default Node implementation, backed by a shared
// serialProtocol connection.
type serialNode struct {
	addr  byte
	proto *serialProtocol

	mu     sync.Mutex
	status NodeStatus
}

func (n *serialNode) Addr() byte { return n.addr }

func (n *serialNode) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make(NodeStatus, len(n.status))
	for k, v := range n.status {
		cp[k] = v
	}
	return cp
}

func (n *serialNode) setStatusLevel(level string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == nil {
		n.status = NodeStatus{}
	}
	n.status["status_level"] = level
}

func (n *serialNode) WaitForStatus(ctx context.Context, predicate func(NodeStatus) bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if predicate(n.Status()) {
			return nil
		}
		if time.Now().After(deadline) {
			return fwerrors.New(fwerrors.KindPreStageTimeout,
				fmt.Sprintf("node %d did not reach expected status within %s", n.addr, timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (n *serialNode) SendRequestAndWait(ctx context.Context, cmdName string) (RequestResult, error) {
	ch := make(chan RequestResult, 1)
	if err := n.SendRequest(cmdName, func(r RequestResult) { ch <- r }); err != nil {
		return RequestResult{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return RequestResult{}, ctx.Err()
	}
}

func (n *serialNode) SendRequest(cmdName string, onComplete func(RequestResult)) error {
	code, ok := wireCommandCodes[cmdName]
	if !ok {
		return fwerrors.New(fwerrors.KindProtocolViolation, "unknown serial request: "+cmdName)
	}
	if onComplete != nil {
		n.proto.registerCallback(n.addr, code, onComplete)
	}
	return n.proto.writeFrame(n.addr, code, nil)
}

var wireCommandCodes = map[string]byte{
	"ENTER_DIAGNOSTIC":            wireCmdEnterDiagnostic,
	"DIAG_JUMP_TO_BOOT":           wireCmdDiagJumpToBoot,
	"READ_SLAVES_CONFIGURATION":   wireCmdReadSlavesConfiguration,
	"FW_VERSIONS":                 wireCmdFWVersions,
	"BOOT_VERSIONS":               wireCmdBootVersions,
}

// serialProtocol is the default Protocol implementation: one shared
// go.bug.st/serial port, framed as [addr][cmd][len][payload...], fanning
// status pushes and request completions out to attached serialNodes.
type serialProtocol struct {
	port serial.Port

	mu        sync.Mutex
	nodes     map[byte]*serialNode
	callbacks map[byte]map[byte][]func(RequestResult)
}

// NewSerialProtocol opens portName at baud and returns a Protocol ready
// for AttachNode/Run.
func NewSerialProtocol(portName string, baud int) (Protocol, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fwerrors.Wrap(fwerrors.KindUsbIO, err, "failed to open serial port %s", portName)
	}
	return &serialProtocol{
		port:      port,
		nodes:     map[byte]*serialNode{},
		callbacks: map[byte]map[byte][]func(RequestResult){},
	}, nil
}

func (p *serialProtocol) AttachNode(addr byte) Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := &serialNode{addr: addr, proto: p, status: NodeStatus{"status_level": StatusPowerOff}}
	p.nodes[addr] = n
	return n
}

func (p *serialProtocol) registerCallback(addr, cmd byte, fn func(RequestResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.callbacks[addr] == nil {
		p.callbacks[addr] = map[byte][]func(RequestResult){}
	}
	p.callbacks[addr][cmd] = append(p.callbacks[addr][cmd], fn)
}

func (p *serialProtocol) takeCallbacks(addr, cmd byte) []func(RequestResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fns := p.callbacks[addr][cmd]
	delete(p.callbacks[addr], cmd)
	return fns
}

func (p *serialProtocol) writeFrame(addr, cmd byte, payload []byte) error {
	frame := append([]byte{addr, cmd, byte(len(payload))}, payload...)
	_, err := p.port.Write(frame)
	if err != nil {
		return fwerrors.Wrap(fwerrors.KindUsbIO, err, "serial write failed")
	}
	return nil
}

// wireFrame is one parsed [addr][cmd][len][payload...] frame.
type wireFrame struct {
	addr, cmd byte
	payload   []byte
}

// Run reads frames until ctx is cancelled or the port errors. Status push
// frames (wireCmdStatusPush) update the addressed node's status_level;
// any other frame completes every pending callback for that addr/cmd
// pair, if any, carrying the frame's payload as CustomAnswerDict.
func (p *serialProtocol) Run(ctx context.Context) error {
	reader := bufio.NewReader(p.port)
	errCh := make(chan error, 1)
	frameCh := make(chan wireFrame, 16)

	go func() {
		for {
			header := make([]byte, 3)
			if _, err := readFull(reader, header); err != nil {
				errCh <- err
				return
			}
			payload := make([]byte, header[2])
			if header[2] > 0 {
				if _, err := readFull(reader, payload); err != nil {
					errCh <- err
					return
				}
			}
			select {
			case frameCh <- wireFrame{addr: header[0], cmd: header[1], payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fwerrors.Wrap(fwerrors.KindUsbIO, err, "serial read failed")
		case f := <-frameCh:
			p.mu.Lock()
			node := p.nodes[f.addr]
			p.mu.Unlock()
			if node == nil {
				continue
			}
			if f.cmd == wireCmdStatusPush {
				node.setStatusLevel(statusLevelNames[statusByteOrZero(f.payload)])
				continue
			}
			for _, fn := range p.takeCallbacks(f.addr, f.cmd) {
				fn(RequestResult{Status: RequestSuccess, CustomAnswerDict: map[string]any{"raw": f.payload}})
			}
		}
	}
}

func (p *serialProtocol) Close() error {
	return p.port.Close()
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func statusByteOrZero(payload []byte) byte {
	if len(payload) == 0 {
		return 0
	}
	return payload[0]
}
