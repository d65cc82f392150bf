package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kdeconnect-service/config"
	"kdeconnect-service/crypto"
	"kdeconnect-service/ipc"
	"kdeconnect-service/models"
	"kdeconnect-service/protocol"
	"kdeconnect-service/storage"
	"kdeconnect-service/trust"
)

func dataDirOf(cfgPath string) string {
	return filepath.Dir(cfgPath)
}

// socketPath resolves the service socket without creating any files.
func socketPath(opts *rootOptions) (string, error) {
	if opts.socket != "" {
		return opts.socket, nil
	}
	dataDir := opts.dataDir
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return "", err
		}
		dataDir = resolved
	}
	if cfg, err := config.Load(config.ConfigPath(dataDir)); err == nil && cfg.IPCSocketPath != "" {
		return cfg.IPCSocketPath, nil
	}
	return config.DefaultSocketPath(dataDir), nil
}

// withClient dials the running service and runs fn with a bounded context.
func withClient(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, client *ipc.Client) error) error {
	path, err := socketPath(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	client, err := ipc.Dial(ctx, path)
	if err != nil {
		return fmt.Errorf("is the service running? %w", err)
	}
	defer client.Close()
	return fn(ctx, client)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newIdentityCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show this device's identity, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(opts)
			if err != nil {
				return err
			}
			identity, err := trust.LoadOrCreateIdentity(cfg)
			if err != nil {
				return exitErr(ExitIdentity, "load identity: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, map[string]any{
					"device_id":   identity.DeviceID,
					"device_name": identity.DeviceName,
					"device_type": identity.DeviceType,
					"fingerprint": identity.Fingerprint,
					"public_key":  crypto.EncodePublicKey(identity.PublicKey),
					"config":      cfgPath,
					"socket":      cfg.IPCSocketPath,
				})
			}
			fmt.Fprintf(out, "Device ID:    %s\n", identity.DeviceID)
			fmt.Fprintf(out, "Device Name:  %s\n", identity.DeviceName)
			fmt.Fprintf(out, "Device Type:  %s\n", identity.DeviceType)
			fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.FormatFingerprint(identity.Fingerprint))
			fmt.Fprintf(out, "Config File:  %s\n", cfgPath)
			fmt.Fprintf(out, "Socket:       %s\n", cfg.IPCSocketPath)
			return nil
		},
	}
}

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls"},
		Short:   "List known devices",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, client *ipc.Client) error {
				devices, err := client.Devices(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), devices)
				}
				return printDevices(cmd.OutOrStdout(), devices)
			})
		},
	}
}

func printDevices(w io.Writer, devices []models.Device) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPAIR\tSESSION\tADDRESS")
	for _, d := range devices {
		address := "-"
		if d.Address != "" {
			address = fmt.Sprintf("%s:%d", d.Address, d.TCPPort)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Type, d.PairState, d.SessionState, address)
	}
	return tw.Flush()
}

func newPairingsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pairings",
		Short: "List pending pairing requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, client *ipc.Client) error {
				pairings, err := client.Pairings(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, pairings)
				}
				if len(pairings) == 0 {
					fmt.Fprintln(out, "No pending pairing requests.")
					return nil
				}
				for _, p := range pairings {
					fmt.Fprintf(out, "%s\t%s\t%s\texpires %s\n", p.DeviceID, p.DeviceName, p.Direction, p.ExpiresAt.Format("15:04:05"))
				}
				return nil
			})
		},
	}
}

func newPairCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pair <device-id>",
		Short: "Request pairing with a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, client *ipc.Client) error {
				if err := client.Pair(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pairing requested with %s; confirm on the device.\n", args[0])
				return nil
			})
		},
	}
}

func newResolveCommand(opts *rootOptions, use string, accept bool) *cobra.Command {
	verb := "Reject"
	if accept {
		verb = "Accept"
	}
	return &cobra.Command{
		Use:   use + " <device-id>",
		Short: verb + " a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, client *ipc.Client) error {
				if err := client.ResolvePair(ctx, args[0], accept); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sed pairing with %s.\n", verb, args[0])
				return nil
			})
		},
	}
}

func newUnpairCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Forget a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, client *ipc.Client) error {
				if err := client.Unpair(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unpaired %s.\n", args[0])
				return nil
			})
		},
	}
}

func newConnectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Dial a device directly when discovery cannot reach it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, client *ipc.Client) error {
				deviceID, err := client.Connect(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s.\n", deviceID)
				return nil
			})
		},
	}
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <device-id> <packet-type> [json-body]",
		Short: "Send a plugin packet to a device",
		Example: `  kdeconnect-service send 1a2b3c kdeconnect.findmyphone.request
  kdeconnect-service send 1a2b3c kdeconnect.ping '{"message":"hello"}'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			packetType := args[1]
			if !strings.HasPrefix(packetType, "kdeconnect.") {
				packetType = "kdeconnect." + packetType
			}
			var body any
			if len(args) == 3 {
				raw := json.RawMessage(args[2])
				if !json.Valid(raw) {
					return errors.New("packet body must be valid JSON")
				}
				body = raw
			}
			return withClient(cmd, opts, func(ctx context.Context, client *ipc.Client) error {
				if err := client.SendPacket(ctx, args[0], packetType, body); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for %s.\n", packetType, args[0])
				return nil
			})
		},
	}
}

func newPingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <device-id> [message]",
		Short: "Send a ping notification to a device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if len(args) == 2 {
				body = map[string]string{"message": args[1]}
			}
			return withClient(cmd, opts, func(ctx context.Context, client *ipc.Client) error {
				return client.SendPacket(ctx, args[0], protocol.TypePing, body)
			})
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		kinds       []string
		packetTypes []string
		deviceID    string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream service events as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := socketPath(opts)
			if err != nil {
				return err
			}
			ctx, stop := opts.signals(cmd.Context())
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			client, err := ipc.Dial(dialCtx, path)
			if err != nil {
				return fmt.Errorf("is the service running? %w", err)
			}
			defer client.Close()

			filter := ipc.Filter{PacketTypes: packetTypes, DeviceID: deviceID}
			for _, kind := range kinds {
				filter.Kinds = append(filter.Kinds, models.EventKind(kind))
			}
			if _, err := client.Subscribe(dialCtx, filter); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-client.Events():
					if !ok {
						return client.Err()
					}
					if err := enc.Encode(event); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Only these event kinds (repeatable)")
	cmd.Flags().StringSliceVar(&packetTypes, "type", nil, "Only capability events of these packet types (repeatable)")
	cmd.Flags().StringVar(&deviceID, "device", "", "Only events for this device")
	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var (
		deviceID string
		severity string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the pairing and trust audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfgPath, err := loadConfig(opts)
			if err != nil {
				return err
			}
			db, _, err := storage.Open(dataDirOf(cfgPath), storage.WithCheckpointInterval(0))
			if err != nil {
				return exitErr(ExitIdentity, "open database: %w", err)
			}
			defer db.Close()

			entries, err := db.Audit(cmd.Context(), storage.AuditQuery{
				DeviceID: deviceID,
				Severity: storage.Severity(severity),
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, entries)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSEVERITY\tKIND\tDEVICE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.At.Format("2006-01-02 15:04:05"), e.Severity, e.Kind, e.DeviceID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Only entries for this device")
	cmd.Flags().StringVar(&severity, "severity", "", "Only entries of this severity (info, warning, critical)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	return cmd
}
