package bootproto

import (
	"context"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwconfig"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
)

// transport is the subset of usbtransport.Transport the client needs,
// kept narrow so tests can supply a fake.
type transport interface {
	Write(data []byte) error
	Read(ctx context.Context, length int) ([]byte, error)
	Retryable(name string, fn func() error) error
	Config() fwconfig.Config
}

// Client drives the bootloader's command set over a transport. One Client
// talks to exactly one device ID at a time; spec.md §5 requires callers to
// serialize access across devices sharing a transport (e.g. RS-485
// slaves multiplexed through one USB master).
type Client struct {
	t   transport
	log fwlog.Logger
}

// NewClient wraps t.
func NewClient(t transport, log fwlog.Logger) *Client {
	return &Client{t: t, log: log}
}

// Query sends QUERY for deviceID and returns the decoded response. Passing
// deviceID 0 queries without selecting a node and never triggers the
// device's auto-jump-to-application behavior -- this is the periodic
// "alt device id" invariant spec.md §4.C requires before any
// state-changing sequence, so a stale session can't silently jump a board
// mid-sequence.
func (c *Client) Query(ctx context.Context, deviceID byte) (QueryResponse, error) {
	var resp QueryResponse
	err := c.t.Retryable("QUERY", func() error {
		if err := c.t.Write(EncodeQuery(deviceID)); err != nil {
			return err
		}
		frame, err := c.t.Read(ctx, 64)
		if err != nil {
			return err
		}
		resp, err = DecodeQuery(frame)
		return err
	})
	if err == nil && resp.BootStatus > 0 {
		c.log.Warnf("reported boot status is %d", resp.BootStatus)
	}
	return resp, err
}

// QueryAfterErase waits for ERASE to complete by polling QUERY with the
// erase timeout instead of the ordinary command timeout -- ERASE produces
// no response of its own, so the first QUERY to succeed after the erase
// window is the completion signal (spec.md §4.C "ERASE synchronization",
// seed scenario 4).
func (c *Client) QueryAfterErase(ctx context.Context, deviceID byte) (QueryResponse, error) {
	eraseCtx, cancel := context.WithTimeout(ctx, c.t.Config().EraseTimeout)
	defer cancel()
	return c.Query(eraseCtx, deviceID)
}

// Erase sends ERASE. It does not wait for completion; callers must follow
// up with QueryAfterErase.
func (c *Client) Erase() error {
	return c.t.Retryable("ERASE", func() error {
		return c.t.Write(EncodeErase())
	})
}

// Program writes chunk (at most 56 bytes) at wordAddr. PROGRAM has no
// response and is not retried (spec.md §4.C): a transient failure here
// must surface rather than risk a double write to flash.
func (c *Client) Program(wordAddr uint32, chunk []byte) error {
	req, err := EncodeProgram(wordAddr, chunk)
	if err != nil {
		return err
	}
	return c.t.Write(req)
}

// ProgramComplete seals the programmed image with its CRC-16 digest.
func (c *Client) ProgramComplete(digest uint16) error {
	return c.t.Retryable("PROGRAM_COMPLETE", func() error {
		return c.t.Write(EncodeProgramComplete(digest))
	})
}

// GetData reads length bytes (at most 56) starting at wordAddr, for
// verification against the source image. Not retried (spec.md §4.C): a
// retry here could silently re-read a different address than the one the
// caller's digest is being computed over.
func (c *Client) GetData(ctx context.Context, wordAddr uint32, length byte) ([]byte, error) {
	req, err := EncodeGetData(wordAddr, length)
	if err != nil {
		return nil, err
	}
	if err := c.t.Write(req); err != nil {
		return nil, err
	}
	frame, err := c.t.Read(ctx, 64)
	if err != nil {
		return nil, err
	}
	payload, err := DecodeGetData(frame)
	if err != nil {
		return nil, err
	}
	if len(payload) != int(length) {
		return nil, fwerrors.New(fwerrors.KindProtocolViolation, "GET_DATA returned unexpected payload length")
	}
	return payload, nil
}

// JumpToApplication tells the device to leave the bootloader and start
// the application. No response is expected; the device may disappear
// from the bus immediately. Retried per spec.md §4.C: a dropped frame
// here would otherwise strand the device in the bootloader permanently.
func (c *Client) JumpToApplication() error {
	return c.t.Retryable("JUMP_TO_APPLICATION", func() error {
		return c.t.Write(EncodeJumpToApplication())
	})
}

// BootFWVersion retrieves the bootloader's own firmware version for
// deviceID.
func (c *Client) BootFWVersion(ctx context.Context, deviceID byte) (BootFWVersion, error) {
	var ver BootFWVersion
	err := c.t.Retryable("BOOT_FW_VERSION_REQUEST", func() error {
		if err := c.t.Write(EncodeBootFWVersionRequest(deviceID)); err != nil {
			return err
		}
		frame, err := c.t.Read(ctx, 64)
		if err != nil {
			return err
		}
		ver, err = DecodeBootFWVersionResponse(frame)
		return err
	})
	return ver, err
}

// ResetBootMMT resets the bootloader's memory management table. No
// response is expected. Retried per spec.md §4.C.
func (c *Client) ResetBootMMT() error {
	return c.t.Retryable("RESET_BOOT_MMT", func() error {
		return c.t.Write(EncodeResetBootMMT())
	})
}
