package agent

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/xtxerr/adsync/config"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/wire"
)

// ScriptFunc executes one script on the agent side.
type ScriptFunc func(ctx context.Context, path string, params map[string]any) error

// ServeConn answers run requests on rw until the peer closes the stream or
// ctx is cancelled. Requests are handled one at a time in arrival order.
func ServeConn(ctx context.Context, rw io.ReadWriter, run ScriptFunc) error {
	c := wire.NewConn(rw, config.DefaultMaxMessageSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := c.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var reply *wire.Envelope
		switch env.Type {
		case wire.TypeRun:
			if err := run(ctx, env.Path, env.Params); err != nil {
				reply = wire.NewErrorFromErr(env.ID, err)
				log.Debug("script failed", "script", env.Path, "request_id", env.ID,
					"code", errors.CodeName(reply.Code), "error", err)
			} else {
				reply = wire.NewResult(env.ID)
			}
		default:
			reply = wire.NewError(env.ID, errors.CodeInvalidRequest,
				fmt.Sprintf("unexpected envelope type %q", env.Type))
		}
		if err := c.Write(reply); err != nil {
			return err
		}
	}
}

// Serve accepts connections on ln and serves each with ServeConn until ctx
// is cancelled.
func Serve(ctx context.Context, ln net.Listener, run ScriptFunc) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close()
			if err := ServeConn(ctx, conn, run); err != nil && ctx.Err() == nil {
				log.Warn("agent connection failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}
