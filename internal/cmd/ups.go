package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/upsip/upsip/apiclient"
	"github.com/upsip/upsip/apitypes"
)

// UPSCommand groups client subcommands talking to a running server.
type UPSCommand struct {
	Status UPSStatus `cmd:"" help:"Show the status register of an emulated UPS"`
	Set    UPSSet    `cmd:"" help:"Set the line state of a telemetry-mode UPS"`
}

// APIClient holds the connection flags shared by client subcommands.
type APIClient struct {
	Addr     string        `help:"Management API address" default:"localhost:3242" env:"UPSIP_API_CLIENT_ADDR"`
	Password string        `help:"Management API password" env:"UPSIP_API_PASSWORD"`
	Timeout  time.Duration `help:"Request timeout" default:"5s"`
	JSON     bool          `help:"Print JSON even when stdout is a terminal"`
}

func (a *APIClient) client() *apiclient.Client {
	return apiclient.NewWithConfig(a.Addr, &apiclient.Config{
		DialTimeout:  a.Timeout,
		ReadTimeout:  a.Timeout,
		WriteTimeout: a.Timeout,
		Password:     a.Password,
	})
}

func (a *APIClient) requestContext() (context.Context, context.CancelFunc) {
	if a.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), a.Timeout)
}

type UPSStatus struct {
	APIClient `embed:""`
	BusID     uint32 `arg:"" name:"bus" help:"Bus number"`
	DeviceID  string `arg:"" name:"device" help:"Device number on the bus"`
}

func (c *UPSStatus) Run() error {
	ctx, cancel := c.requestContext()
	defer cancel()
	st, err := c.client().UPSStatusCtx(ctx, c.BusID, c.DeviceID)
	if err != nil {
		return err
	}
	return printStatus(os.Stdout, st, c.JSON || !isTerminal(os.Stdout))
}

type UPSSet struct {
	APIClient   `embed:""`
	BusID       uint32 `arg:"" name:"bus" help:"Bus number"`
	DeviceID    string `arg:"" name:"device" help:"Device number on the bus"`
	Online      string `help:"Mains power state" enum:"on,off,keep" default:"keep"`
	BatteryGood string `help:"Battery state" enum:"good,low,keep" default:"keep"`
}

func (c *UPSSet) Run() error {
	online := lineFlag(c.Online, "on", "off")
	good := lineFlag(c.BatteryGood, "good", "low")
	if online == nil && good == nil {
		return fmt.Errorf("nothing to set; pass --online and/or --battery-good")
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	st, err := c.client().UPSSetLineCtx(ctx, c.BusID, c.DeviceID, online, good)
	if err != nil {
		return err
	}
	return printStatus(os.Stdout, st, c.JSON || !isTerminal(os.Stdout))
}

func lineFlag(v, yes, no string) *bool {
	var b bool
	switch v {
	case yes:
		b = true
	case no:
	default:
		return nil
	}
	return &b
}

func isTerminal(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

func printStatus(w io.Writer, st *apitypes.UPSStatusResponse, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(st)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "device\t%d-%s (%s)\n", st.BusID, st.DevId, st.Mode)
	fmt.Fprintf(tw, "power\t%s\n", yesNo(st.Online, "on-line", "on battery"))
	fmt.Fprintf(tw, "battery\t%s\n", yesNo(st.BatteryGood, "good", "low"))
	fmt.Fprintf(tw, "configured\t%t\n", st.Configured)
	fmt.Fprintf(tw, "transactions\t%d\n", st.Transactions)
	fmt.Fprintf(tw, "state\t%s\n", st.State)
	fmt.Fprintf(tw, "queued replies\t%d\n", st.Queued)
	return tw.Flush()
}

func yesNo(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}
