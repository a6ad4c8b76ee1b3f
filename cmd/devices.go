package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jtaka1125-beep/mirage/internal/adb"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/registry"
)

// DeviceLister is the part of the adb client the devices command needs.
type DeviceLister interface {
	Devices(ctx context.Context) ([]adb.Device, error)
	SerialNo(ctx context.Context, serial string) (string, error)
}

// DeviceRow is one line of `mirage devices`.
type DeviceRow struct {
	HardwareID string `json:"hardware_id"`
	Serial     string `json:"serial"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	Model      string `json:"model,omitempty"`
}

// ListDevices resolves the hardware id of every adb device. Devices that are
// not ready keep an empty hardware id.
func ListDevices(ctx context.Context, l DeviceLister) ([]DeviceRow, error) {
	devices, err := l.Devices(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]DeviceRow, 0, len(devices))
	for _, d := range devices {
		row := DeviceRow{
			Serial: d.Serial,
			Kind:   string(registry.ParseEndpoint(d.Serial).Kind),
			State:  d.State,
			Model:  d.Model,
		}
		if d.Ready() {
			if id, idErr := l.SerialNo(ctx, d.Serial); idErr == nil {
				row.HardwareID = id
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteDevices prints rows as a table or as JSON.
func WriteDevices(w io.Writer, rows []DeviceRow, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HARDWARE ID\tSERIAL\tKIND\tSTATE\tMODEL")
	for _, r := range rows {
		id := r.HardwareID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, r.Serial, r.Kind, r.State, r.Model)
	}
	return tw.Flush()
}

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	var adbPath string
	var asJSON bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List adb devices with their hardware ids",
		Long: `Lists every device adb can see and resolves its hardware id, so a device visible ` +
			`over both USB and Wi-Fi shows the same id twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})
			client, err := adb.New(adbPath, logging.GetLogger("adb"))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rows, err := ListDevices(ctx, client)
			if err != nil {
				return err
			}
			return WriteDevices(os.Stdout, rows, asJSON)
		},
	}

	cmd.Flags().StringVar(&adbPath, "adb", "adb", "adb command line")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	return cmd
}
