package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"lanbeam/config"
	"lanbeam/engine"
	"lanbeam/events"
	"lanbeam/logger"
	"lanbeam/models"
	"lanbeam/share"
)

func main() {
	app := &cli.Command{
		Name:  "lanbeam",
		Usage: "peer-to-peer LAN file transfer",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "mirror logs to the console",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "override the data directory",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			sendCommand(),
			peersCommand(),
			shareCommand(),
			infoCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the transfer engine, discovery and receiver",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "directory for received files (overrides config)",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "transfer listen port (overrides config)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			backend, cfg, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			if dir := cmd.String("dir"); dir != "" {
				if err := backend.UpdateReceiveDirectory(dir); err != nil {
					return err
				}
			}

			if err := backend.Start(); err != nil {
				return err
			}

			fmt.Printf("Device:     %s (%s)\n", cfg.DeviceName, cfg.DeviceID)
			fmt.Printf("Listening:  :%d\n", cfg.TransferPort)
			fmt.Println("Press Ctrl+C to stop")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			subscription := backend.Events()
			defer subscription.Close()
			go printEvents(subscription)

			<-ctx.Done()
			fmt.Println("shutting down")
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "send a file to a peer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "peer",
				Aliases:  []string{"p"},
				Usage:    "peer ID to send to",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "file to send",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			backend, _, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			path, err := filepath.Abs(cmd.String("file"))
			if err != nil {
				return err
			}

			subscription := backend.Events()
			defer subscription.Close()

			task, err := backend.Send(cmd.String("peer"), path)
			if err != nil {
				return err
			}
			fmt.Printf("sending %s (%s) as task %s\n",
				task.File.Name, humanize.Bytes(uint64(task.File.Size)), task.ID)

			return waitForTask(ctx, subscription, task.ID)
		},
	}
}

func peersCommand() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "list known peers",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			backend, _, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := backend.RefreshPeers(); err != nil {
				fmt.Printf("scan failed: %v\n", err)
			}

			peers, err := backend.Peers()
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println("no peers known")
				return nil
			}

			fmt.Printf("%-30s %-20s %-8s %s\n", "ID", "NAME", "STATUS", "ADDRESS")
			for _, peer := range peers {
				fmt.Printf("%-30s %-20s %-8s %s:%d\n",
					peer.ID, peer.Name, peer.Status, peer.IP, peer.Port)
			}
			return nil
		},
	}
}

func shareCommand() *cli.Command {
	return &cli.Command{
		Name:  "share",
		Usage: "share files over an HTTP link",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "file to share (repeat for multiple)",
			},
			&cli.StringFlag{
				Name:  "pin",
				Usage: "require this PIN from clients",
			},
			&cli.BoolFlag{
				Name:  "auto-accept",
				Usage: "accept access requests automatically",
			},
			&cli.BoolFlag{
				Name:  "upload",
				Usage: "run in web-upload mode instead of sharing files",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			backend, _, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			if pin := cmd.String("pin"); pin != "" || cmd.Bool("auto-accept") {
				settings := share.Settings{
					PinEnabled: pin != "",
					PIN:        pin,
					AutoAccept: cmd.Bool("auto-accept"),
				}
				if err := backend.UpdateShareSettings(settings); err != nil {
					return err
				}
			}

			var info *models.ShareLinkInfo
			if cmd.Bool("upload") {
				info, err = backend.StartWebUpload()
			} else {
				var files []models.FileMetadata
				for _, path := range cmd.StringSlice("file") {
					meta, err := backend.PrepareTransfer(path)
					if err != nil {
						return fmt.Errorf("prepare %q: %w", path, err)
					}
					files = append(files, *meta)
				}
				info, err = backend.StartShare(files)
			}
			if err != nil {
				return err
			}

			fmt.Printf("share running on port %d\n", info.Port)
			for _, link := range info.Links {
				fmt.Printf("  %s\n", link)
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			subscription := backend.Events()
			defer subscription.Close()
			go printEvents(subscription)

			<-ctx.Done()
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "show device and network information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			backend, cfg, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			network := backend.GetNetworkInfo()
			fmt.Printf("Device ID:    %s\n", network.DeviceID)
			fmt.Printf("Device Name:  %s\n", network.DeviceName)
			fmt.Printf("Port:         %d\n", network.TransferPort)
			fmt.Printf("Addresses:    %s\n", strings.Join(network.Addresses, ", "))
			fmt.Printf("Receive Dir:  %s\n", cfg.ReceiveDirectory)
			fmt.Printf("Chunk Size:   %s\n", humanize.Bytes(uint64(cfg.ChunkSize)))
			return nil
		},
	}
}

func buildEngine(cmd *cli.Command) (*engine.Engine, *config.DeviceConfig, error) {
	if dir := cmd.String("data-dir"); dir != "" {
		if err := os.Setenv("LANBEAM_DATA_DIR", dir); err != nil {
			return nil, nil, err
		}
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)

	if port := int(cmd.Int("port")); port > 0 {
		cfg.TransferPort = port
	}

	logPath, err := logger.LogPath(dataDir)
	if err != nil {
		return nil, nil, err
	}
	logs := logger.New(logger.Options{
		Path:    logPath,
		Console: cmd.Bool("verbose"),
	})

	backend, err := engine.New(cfg, dataDir, logs)
	if err != nil {
		return nil, nil, err
	}
	return backend, cfg, nil
}

func printEvents(subscription *events.Subscription) {
	for event := range subscription.C {
		switch event.Type {
		case events.EventTransferProgress:
			p := event.Transfer
			fmt.Printf("\r%s %3d%% %s/s   ",
				p.TaskID, p.Progress, humanize.Bytes(uint64(p.Speed)))
		case events.EventTransferState:
			p := event.Transfer
			if p.Error != "" {
				fmt.Printf("\ntask %s: %s (%s)\n", p.TaskID, p.Status, p.Error)
			} else {
				fmt.Printf("\ntask %s: %s\n", p.TaskID, p.Status)
			}
		case events.EventShareActivity:
			a := event.Share
			if a.Record != nil {
				fmt.Printf("share: %s %s from %s\n", a.Record.Direction, a.Record.FileName, a.IP)
			} else {
				fmt.Printf("share: request %s from %s is %s\n", a.RequestID, a.IP, a.Status)
			}
		case events.EventPeerUpdated:
			peer := event.Peer
			fmt.Printf("peer %s (%s) is %s\n", peer.Name, peer.ID, peer.Status)
		}
	}
}

func waitForTask(ctx context.Context, subscription *events.Subscription, taskID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-subscription.C:
			if !ok {
				return nil
			}
			if event.Type != events.EventTransferState || event.Transfer == nil || event.Transfer.TaskID != taskID {
				if event.Type == events.EventTransferProgress && event.Transfer != nil && event.Transfer.TaskID == taskID {
					fmt.Printf("\r%3d%% %s/s   ", event.Transfer.Progress, humanize.Bytes(uint64(event.Transfer.Speed)))
				}
				continue
			}
			state := event.Transfer
			fmt.Printf("\ntask %s: %s\n", taskID, state.Status)
			if state.Status == models.StatusFailed || state.Status == models.StatusInterrupted {
				return fmt.Errorf("transfer %s: %s", state.Status, state.Error)
			}
			return nil
		}
	}
}
