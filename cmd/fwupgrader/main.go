// Command fwupgrader is a thin demonstration harness over the firmware
// upgrader core: a flag-based CLI, following the teacher's cmd/cli/main.go
// idiom of a single "mode" flag dispatching to an operation, rather than a
// deliverable end-user tool (argument parsing is explicitly out of scope
// per spec.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/alfa-sw/sw-programmazione-schede/internal/boardconn"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwconfig"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwloader"
	"github.com/alfa-sw/sw-programmazione-schede/internal/pkgdriver"
)

// Exit codes. 0 is success; every other value names the step that failed.
const (
	exitOK = iota
	exitFilenameRequired
	exitFileLoadFailed
	exitInitFailed
	exitEraseFailed
	exitVerifyFailed
	exitVerifyMismatch
	exitCommandFailed
	exitUpdateFailed
	exitProgramFailed
	exitDigestFailed
)

var (
	mode        = flag.String("mode", "info", "operation: program, verify, info, jump, reset, update")
	deviceID    = flag.Int("device-id", 5, "target bootloader device id")
	hexFile     = flag.String("hex", "", "path to an Intel HEX firmware image (program/verify)")
	pkgFile     = flag.String("package", "", "path to an update package zip (update)")
	serialProto = flag.Bool("serial-proto", true, "fall back to the serial pre-stage when USB enumeration fails")
	serialPort  = flag.String("serial-port", "", "serial port device for the pre-stage")
	duplex      = flag.Bool("duplex", true, "serial pre-stage link is RS-232 duplex (false = RS-485 multidrop)")
	polling     = flag.Bool("polling", false, "retry USB enumeration for up to 10s instead of failing immediately")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	log := fwlog.New("fwupgrader")
	cfg, err := fwconfig.Load(".")
	if err != nil {
		log.Errorf("failed to load configuration: %v", err)
		return exitInitFailed
	}
	conn := boardconn.New(cfg, log)
	ctx := context.Background()

	switch *mode {
	case "program":
		return runProgram(ctx, conn, log)
	case "verify":
		return runVerify(ctx, conn, log)
	case "info":
		return runInfo(ctx, conn, log)
	case "jump":
		return runSimpleCommand(ctx, conn, log, func(l *fwloader.Loader) error { return l.Jump() })
	case "reset":
		return runSimpleCommand(ctx, conn, log, func(l *fwloader.Loader) error { return l.Reset() })
	case "update":
		return runUpdate(ctx, conn, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown -mode %q\n", *mode)
		return exitCommandFailed
	}
}

func connectParams() pkgdriver.ConnectParams {
	return pkgdriver.ConnectParams{
		DeviceID:            byte(*deviceID),
		UseSerialProto:      *serialProto,
		PollingMode:         *polling,
		SerialPort:          *serialPort,
		IsSerialProtoDuplex: *duplex,
	}
}

func connectOrExit(ctx context.Context, conn *boardconn.Connector, log fwlog.Logger) (*pkgdriver.BoardSession, int) {
	session, err := conn.Connect(ctx, connectParams())
	if err != nil {
		log.Errorf("connect failed: %v", err)
		return nil, exitInitFailed
	}
	return session, exitOK
}

func runProgram(ctx context.Context, conn *boardconn.Connector, log fwlog.Logger) int {
	if *hexFile == "" {
		fmt.Fprintln(os.Stderr, "-hex is required for -mode=program")
		return exitFilenameRequired
	}
	data, err := os.ReadFile(*hexFile)
	if err != nil {
		log.Errorf("failed to read %s: %v", *hexFile, err)
		return exitFileLoadFailed
	}
	image, err := fwloader.ImageFromHex(string(data), 0)
	if err != nil {
		log.Errorf("failed to decode %s: %v", *hexFile, err)
		return exitFileLoadFailed
	}

	session, code := connectOrExit(ctx, conn, log)
	if code != exitOK {
		return code
	}
	defer conn.Disconnect(session)

	if err := session.Loader.Erase(ctx); err != nil {
		log.Errorf("erase failed: %v", err)
		return exitEraseFailed
	}
	if err := session.Loader.ProgramImage(ctx, image); err != nil {
		log.Errorf("program failed: %v", err)
		return exitProgramFailed
	}
	if err := session.Loader.VerifyImage(ctx, image, false); err != nil {
		log.Errorf("verify failed: %v", err)
		return exitVerifyFailed
	}
	if err := session.Loader.Seal(ctx); err != nil {
		if fwerrors.Is(err, fwerrors.KindDigestMismatch) {
			log.Errorf("seal digest mismatch: %v", err)
			return exitDigestFailed
		}
		log.Errorf("seal failed: %v", err)
		return exitCommandFailed
	}
	log.Infof("programmed and sealed %s", *hexFile)
	return exitOK
}

func runVerify(ctx context.Context, conn *boardconn.Connector, log fwlog.Logger) int {
	if *hexFile == "" {
		fmt.Fprintln(os.Stderr, "-hex is required for -mode=verify")
		return exitFilenameRequired
	}
	data, err := os.ReadFile(*hexFile)
	if err != nil {
		log.Errorf("failed to read %s: %v", *hexFile, err)
		return exitFileLoadFailed
	}
	image, err := fwloader.ImageFromHex(string(data), 0)
	if err != nil {
		log.Errorf("failed to decode %s: %v", *hexFile, err)
		return exitFileLoadFailed
	}

	session, code := connectOrExit(ctx, conn, log)
	if code != exitOK {
		return code
	}
	defer conn.Disconnect(session)

	if err := session.Loader.VerifyImage(ctx, image, true); err != nil {
		if fwerrors.Is(err, fwerrors.KindDigestMismatch) {
			log.Errorf("verify mismatch: %v", err)
			return exitVerifyMismatch
		}
		log.Errorf("verify failed: %v", err)
		return exitVerifyFailed
	}
	log.Infof("verify OK for %s", *hexFile)
	return exitOK
}

func runInfo(ctx context.Context, conn *boardconn.Connector, log fwlog.Logger) int {
	session, code := connectOrExit(ctx, conn, log)
	if code != exitOK {
		return code
	}
	defer conn.Disconnect(session)

	resp, err := session.Loader.Connect(ctx)
	if err != nil {
		log.Errorf("query failed: %v", err)
		return exitCommandFailed
	}
	fmt.Printf("start_addr=0x%08X length_words=%d proto_ver=%d\n", resp.StartAddr, resp.LengthWords, resp.ProtoVer)
	return exitOK
}

func runSimpleCommand(ctx context.Context, conn *boardconn.Connector, log fwlog.Logger, fn func(*fwloader.Loader) error) int {
	session, code := connectOrExit(ctx, conn, log)
	if code != exitOK {
		return code
	}
	defer conn.Disconnect(session)

	if err := fn(session.Loader); err != nil {
		log.Errorf("command failed: %v", err)
		return exitCommandFailed
	}
	return exitOK
}

func runUpdate(ctx context.Context, conn *boardconn.Connector, log fwlog.Logger) int {
	if *pkgFile == "" {
		fmt.Fprintln(os.Stderr, "-package is required for -mode=update")
		return exitFilenameRequired
	}
	data, err := os.ReadFile(*pkgFile)
	if err != nil {
		log.Errorf("failed to read %s: %v", *pkgFile, err)
		return exitFileLoadFailed
	}

	driver := pkgdriver.New(conn, log)
	cb := pkgdriver.Callbacks{
		OnStatus: func(s pkgdriver.ProgressStatus) bool {
			log.Infof("%s (%d/%d)", s.ProcessOp, s.ProcessStep, s.ProcessTotal)
			return false
		},
		OnProblem: func(problem string) {
			log.Warnf("problem: %s", problem)
		},
	}

	if err := driver.Process(ctx, data, *serialPort, cb); err != nil {
		log.Errorf("update failed: %v", err)
		return exitUpdateFailed
	}
	log.Infof("update complete")
	return exitOK
}
