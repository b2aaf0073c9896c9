package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blelink/internal/ble"
)

func newScanCmd(a *app) *cobra.Command {
	var (
		timeout time.Duration
		all     bool
		output  string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby peripherals advertising the configured service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			serviceUUID := a.cfg.Device.ServiceUUID
			if all {
				serviceUUID = ""
			}
			devices, err := ble.ScanForDevices(a.newTransport(a.log), serviceUUID, timeout)
			if err != nil {
				return err
			}
			if devices == nil {
				devices = []ble.Device{}
			}

			out := cmd.OutOrStdout()
			switch strings.ToLower(output) {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			case "yaml":
				data, err := yaml.Marshal(devices)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			if len(devices) == 0 {
				fmt.Fprintln(out, "No devices found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tRSSI\tNAME")
			for _, d := range devices {
				name := d.Name
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", d.Address, d.RSSI, name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "how long to scan")
	cmd.Flags().BoolVar(&all, "all", false, "list every advertiser, not just the configured service")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json, yaml")
	return cmd
}
