package serialstage

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
)

// Options configures one jump-to-boot attempt. PowerOnTimeoutDuplex/
// PowerOnTimeoutMultidrop are fields rather than hardcoded constants per
// spec.md's open question on configurable pre-stage timeouts.
type Options struct {
	Mode                    Mode
	SerialPort              string
	Baud                    int
	PowerOnTimeoutDuplex    time.Duration
	PowerOnTimeoutMultidrop time.Duration
}

// nodeAddrs returns the addresses to attach for opts.Mode, master first.
func (o Options) nodeAddrs() []byte {
	if o.Mode == ModeDuplex {
		return []byte{200}
	}
	addrs := make([]byte, 0, 6)
	for a := byte(50); a <= 55; a++ {
		addrs = append(addrs, a)
	}
	return addrs
}

func (o Options) powerOnTimeout() time.Duration {
	if o.Mode == ModeDuplex {
		return o.PowerOnTimeoutDuplex
	}
	return o.PowerOnTimeoutMultidrop
}

// Inventory is the configuration/version data collected from the master
// during the jump-to-boot sequence.
type Inventory struct {
	// SlavesConfiguration lists the addresses of the enabled slaves.
	SlavesConfiguration []byte
	FWVersions          map[string]any
	BootVersions        map[string]any
}

// newProtocolFunc lets tests substitute a fake Protocol; production
// callers get NewSerialProtocol.
type newProtocolFunc func(portName string, baud int) (Protocol, error)

// Stage drives one jump-to-boot sequence against a Protocol, following
// original_source's jump_to_boot. It is single-use: call Run once per
// attempt.
type Stage struct {
	opts    Options
	log     fwlog.Logger
	newProt newProtocolFunc
}

// New builds a Stage backed by the real go.bug.st/serial implementation.
func New(opts Options, log fwlog.Logger) *Stage {
	return &Stage{opts: opts, log: log, newProt: NewSerialProtocol}
}

func newStageWithFactory(opts Options, log fwlog.Logger, factory newProtocolFunc) *Stage {
	return &Stage{opts: opts, log: log, newProt: factory}
}

// Run executes the sequence: wait for ready, enter diagnostic (<=3
// attempts), collect inventory, broadcast DIAG_JUMP_TO_BOOT, then tear
// down. The protocol task and serial port are always closed before Run
// returns, on every exit path.
func (s *Stage) Run(ctx context.Context) (Inventory, error) {
	proto, err := s.newProt(s.opts.SerialPort, s.opts.Baud)
	if err != nil {
		return Inventory{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		if err := proto.Run(groupCtx); err != nil && groupCtx.Err() == nil {
			return err
		}
		return nil
	})

	defer func() {
		cancel()
		_ = group.Wait()
		proto.Close()
	}()

	addrs := s.opts.nodeAddrs()
	nodes := make([]Node, len(addrs))
	for i, addr := range addrs {
		nodes[i] = proto.AttachNode(addr)
	}
	master := nodes[0]

	ready, err := s.waitForReady(runCtx, nodes)
	if err != nil {
		return Inventory{}, err
	}

	if err := s.enterDiagnostic(runCtx, ready); err != nil {
		return Inventory{}, err
	}

	inv := s.collectInventory(runCtx, master, nodes)

	for _, n := range ready {
		_ = n.SendRequest("DIAG_JUMP_TO_BOOT", nil)
	}

	select {
	case <-time.After(1 * time.Second):
	case <-runCtx.Done():
		return inv, runCtx.Err()
	}

	return inv, nil
}

// waitForReady polls every node until it leaves POWER_OFF or the mode's
// power-on timeout elapses. The master must become ready; any other node
// still POWER_OFF is only warned about.
func (s *Stage) waitForReady(ctx context.Context, nodes []Node) ([]Node, error) {
	deadline := time.Now().Add(s.opts.powerOnTimeout())
	isOn := func(st NodeStatus) bool {
		lvl, _ := st["status_level"].(string)
		return lvl != "" && lvl != StatusPowerOff
	}

	var ready []Node
	for {
		ready = ready[:0]
		for _, n := range nodes {
			if isOn(n.Status()) {
				ready = append(ready, n)
			}
		}
		if len(ready) == len(nodes) {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	master := nodes[0]
	masterReady := false
	for _, n := range ready {
		if n.Addr() == master.Addr() {
			masterReady = true
			break
		}
	}
	if !masterReady {
		return nil, fwerrors.New(fwerrors.KindPreStageTimeout, "master node is not ready")
	}
	if len(ready) != len(nodes) {
		s.log.Warnf("%d of %d nodes not ready", len(nodes)-len(ready), len(nodes))
	}
	return ready, nil
}

// enterDiagnostic broadcasts ENTER_DIAGNOSTIC to every ready node, waits
// for all completions plus a 5s settle window, and checks every node
// reports DIAGNOSTIC. Retries up to 3 times total.
func (s *Stage) enterDiagnostic(ctx context.Context, ready []Node) error {
	for attempt := 0; attempt < 3; attempt++ {
		s.log.Infof("commanding nodes to enter diagnostic status")

		completions := make(chan struct{}, len(ready))
		for _, n := range ready {
			n := n
			if err := n.SendRequest("ENTER_DIAGNOSTIC", func(RequestResult) { completions <- struct{}{} }); err != nil {
				return err
			}
		}
		for i := 0; i < len(ready); i++ {
			select {
			case <-completions:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}

		allDiagnostic := true
		for _, n := range ready {
			lvl, _ := n.Status()["status_level"].(string)
			if lvl != StatusDiagnostic {
				allDiagnostic = false
				break
			}
		}
		if allDiagnostic {
			return nil
		}
		s.log.Warnf("at least one node not in diagnostic status, attempt %d/3", attempt+1)
	}
	return fwerrors.New(fwerrors.KindPreStageTimeout, "nodes did not reach diagnostic status after 3 attempts")
}

// collectInventory gathers slave configuration and version info from the
// master. Each collection failure is a warning, not fatal, per spec.md
// §4.E.
func (s *Stage) collectInventory(ctx context.Context, master Node, nodes []Node) Inventory {
	var inv Inventory

	if result, err := master.SendRequestAndWait(ctx, "READ_SLAVES_CONFIGURATION"); err != nil || result.Status != RequestSuccess {
		s.log.Warnf("failed to retrieve slaves configuration: %v", err)
	} else if raw, ok := result.CustomAnswerDict["raw"].([]byte); ok {
		// bit i of byte i/8 enables the slave at address i+1
		for i := 0; i < len(raw)*8; i++ {
			if raw[i/8]&(1<<(i%8)) != 0 {
				inv.SlavesConfiguration = append(inv.SlavesConfiguration, byte(i+1))
			}
		}
	}

	if result, err := master.SendRequestAndWait(ctx, "FW_VERSIONS"); err != nil || result.Status != RequestSuccess {
		s.log.Warnf("failed to retrieve fw versions: %v", err)
	} else {
		inv.FWVersions = result.CustomAnswerDict
	}

	if result, err := master.SendRequestAndWait(ctx, "BOOT_VERSIONS"); err != nil || result.Status != RequestSuccess {
		s.log.Warnf("failed to retrieve boot versions: %v", err)
	} else {
		inv.BootVersions = result.CustomAnswerDict
	}

	return inv
}
