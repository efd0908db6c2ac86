package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/tturner/plcsim/internal/cip/client"
	"github.com/tturner/plcsim/internal/cip/codec"
	"github.com/tturner/plcsim/internal/tui"
)

// ClientOptions select the controller a client command talks to.
type ClientOptions struct {
	IP      string
	Port    int
	Timeout time.Duration
	Logix   bool
}

func (o ClientOptions) target() string {
	return net.JoinHostPort(o.IP, strconv.Itoa(o.Port))
}

func connectClient(ctx context.Context, opts ClientOptions) (*client.ENIPClient, error) {
	c := client.NewClient()
	c.SetTimeout(opts.Timeout)
	c.UseLogixServices(opts.Logix)
	if err := c.Connect(ctx, opts.IP, opts.Port); err != nil {
		return nil, err
	}
	return c, nil
}

// RunRead prints "TAG = VALUE (TYPE)" for each tag. Every tag is attempted;
// the error reports how many failed.
func RunRead(ctx context.Context, opts ClientOptions, tags []string, out io.Writer) error {
	if len(tags) == 0 {
		return fmt.Errorf("at least one tag name is required")
	}
	c, err := connectClient(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Disconnect(ctx)

	failed := 0
	for _, tag := range tags {
		value, err := c.ReadValue(ctx, tag)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: %v\n", tag, err)
			var statusErr *client.StatusError
			if !errors.As(err, &statusErr) {
				// Transport failures leave the connection unusable.
				break
			}
			continue
		}
		fmt.Fprintf(out, "%s = %s (%s)\n", tag, value, value.Type())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reads failed", failed, len(tags))
	}
	return nil
}

// RunWrite writes text to tag. With an empty typeName the tag is read first
// to learn its declared type.
func RunWrite(ctx context.Context, opts ClientOptions, tag, text, typeName string, out io.Writer) error {
	c, err := connectClient(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Disconnect(ctx)

	var typ codec.DataType
	if typeName != "" {
		typ, err = codec.ParseDataType(typeName)
		if err != nil {
			return err
		}
	} else {
		current, err := c.ReadValue(ctx, tag)
		if err != nil {
			return fmt.Errorf("look up type of %s: %w", tag, err)
		}
		typ = current.Type()
	}

	value, err := codec.ParseValue(typ, text)
	if err != nil {
		return err
	}
	if !value.InRange() {
		return fmt.Errorf("value %s is out of range for %s tag %s", text, typ, tag)
	}
	if err := c.WriteValue(ctx, tag, value); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s := %s (%s)\n", tag, value, typ)
	return nil
}

// RunWatch connects and runs the watch TUI until the user quits.
func RunWatch(ctx context.Context, opts ClientOptions, tags []string, interval time.Duration) error {
	if len(tags) == 0 {
		return fmt.Errorf("at least one tag name is required")
	}
	c, err := connectClient(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Disconnect(context.Background())

	return tui.Run(c, opts.target(), tags, interval)
}
