package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/config"
	"gitmesh/internal/crypto"
	"gitmesh/internal/daemon"
	"gitmesh/internal/metrics"
	"gitmesh/internal/node"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "%s %v\n", color.RedString("error:"), err)
		return 1
	}
	return 0
}

func defaultHome() string {
	if h := strings.TrimSpace(os.Getenv("GITMESH_HOME")); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".gitmesh")
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var home string
	root := &cobra.Command{
		Use:           "gitmesh-node",
		Short:         "Peer-to-peer replication node for git repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&home, "home", defaultHome(), "node home directory")

	root.AddCommand(
		initCmd(&home),
		idCmd(&home),
		runCmd(&home),
		peersCmd(&home),
		statusCmd(&home),
		trackCmd(&home, true),
		trackCmd(&home, false),
	)
	return root
}

func loadConfig(home string) (config.Config, error) {
	cfg, err := config.Load(config.Path(home))
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func initCmd(home *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the node key and a default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			self, err := node.Open(*home)
			if err != nil {
				return err
			}
			path := config.Path(*home)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := config.Save(path, config.Default()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "peer %s\n", self.ID)
			return nil
		},
	}
}

func idCmd(home *string) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's peer id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			self, err := node.Open(*home)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), self.ID)
			return nil
		},
	}
}

func runCmd(home *string) *cobra.Command {
	var (
		listen    string
		transport string
		metricsAt string
		connect   []string
		seeds     []string
		debug     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*home)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("transport") {
				cfg.Transport = transport
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddr = metricsAt
			}
			cfg.Peers.Connect = append(cfg.Peers.Connect, connect...)
			cfg.Peers.Seeds = append(cfg.Peers.Seeds, seeds...)
			cfg.Debug = cfg.Debug || debug

			r, err := daemon.NewRunner(*home, cfg, daemon.Options{})
			if err != nil {
				return err
			}
			defer r.Close()
			banner(cmd.OutOrStdout(), *home, cfg, r.Self.ID)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ready := make(chan string, 1)
			go func() {
				select {
				case addr := <-ready:
					fmt.Fprintf(cmd.OutOrStdout(), "READY addr=%s peer=%s\n", addr, r.Self.ID)
				case <-ctx.Done():
				}
			}()
			return r.Run(ctx, ready)
		},
	}
	f := cmd.Flags()
	f.StringVar(&listen, "listen", "", "listen address (host:port)")
	f.StringVar(&transport, "transport", "", "tcp or quic")
	f.StringVar(&metricsAt, "metrics", "", "serve /metrics on this address")
	f.StringSliceVar(&connect, "connect", nil, "peer to keep connected ([peerid@]host:port)")
	f.StringSliceVar(&seeds, "seed", nil, "bootstrap address")
	f.BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func banner(w io.Writer, home string, cfg config.Config, id crypto.PeerID) {
	label := color.New(color.Bold).SprintFunc()
	value := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(w, "%s %s\n", label("Peer:"), value(id))
	fmt.Fprintf(w, "%s %s\n", label("Home:"), home)
	fmt.Fprintf(w, "%s %s (%s)\n", label("Listen:"), value(cfg.Listen), cfg.Transport)
	fmt.Fprintf(w, "%s outbound=%d inbound=%d\n", label("Peers:"), cfg.Peers.TargetOutbound, cfg.Peers.MaxInbound)
	fmt.Fprintf(w, "%s %s repos=%d\n", label("Tracking:"), cfg.Tracking.Policy, len(cfg.Tracking.Repos))
	if len(cfg.Etcd.Endpoints) > 0 {
		fmt.Fprintf(w, "%s %s\n", label("Discovery:"), strings.Join(cfg.Etcd.Endpoints, ","))
	}
}

func peersCmd(home *string) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List the address book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*home)
			if err != nil {
				return err
			}
			book, err := cfg.OpenAddrBook(*home)
			if err != nil {
				return err
			}
			defer book.Close()
			printBook(cmd.OutOrStdout(), book.List(), time.Now())
			return nil
		},
	}
}

func printBook(w io.Writer, addrs []addrbook.Address, now time.Time) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Key() < addrs[j].Key() })
	for _, a := range addrs {
		peer := "unknown"
		if !a.Peer.IsZero() {
			peer = a.Peer.Short()
		}
		line := fmt.Sprintf("%s peer=%s source=%s attempts=%d failures=%d", a.Key(), peer, a.Source, a.Attempts, a.Failures)
		if a.Persistent {
			line += " persistent"
		}
		if wait := a.BackoffUntil.Sub(now); wait > 0 {
			line += color.YellowString(" backoff=%s", wait.Round(time.Second))
		}
		fmt.Fprintln(w, line)
	}
}

func statusCmd(home *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the last snapshot written by the running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := metrics.ReadSnapshot(config.SnapshotPath(*home))
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return errors.New("no snapshot; is the node running?")
				}
				return err
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printStatus(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "peer %s listen=%s as of %s\n", snap.Peer, snap.Listen, snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  sessions: inbound=%d outbound=%d\n", snap.Sessions["inbound"], snap.Sessions["outbound"])
	fmt.Fprintf(w, "  refs: %d  addresses: %d\n", snap.Refs, snap.Addresses)
	fmt.Fprintf(w, "  inventory: accepted=%d duplicate=%d stale=%d rejected=%d relayed=%d\n",
		snap.Inventory["accepted"], snap.Inventory["duplicate"], snap.Inventory["stale"], snap.Inventory["rejected"], snap.Relayed)
	fmt.Fprintf(w, "  fetches: ok=%d failed=%d abandoned=%d\n", snap.Fetches["ok"], snap.Fetches["failed"], snap.Fetches["abandoned"])
	for _, p := range snap.Peers {
		state := p.State
		if state == "established" {
			state = color.GreenString(state)
		}
		fmt.Fprintf(w, "  %s %s %s %s rtt=%s\n", p.Peer, p.Addr, p.Link, state, p.RTT)
	}
}

func trackCmd(home *string, track bool) *cobra.Command {
	use, short := "track <repo>", "Replicate a repository"
	if !track {
		use, short = "untrack <repo>", "Stop replicating a repository"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := crypto.ParseRepoID(args[0])
			if err != nil {
				return fmt.Errorf("repo %q: %w", args[0], err)
			}
			path := config.Path(*home)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			var changed bool
			if track {
				changed = cfg.Track(repo)
			} else {
				changed = cfg.Untrack(repo)
			}
			if !changed {
				fmt.Fprintln(cmd.OutOrStdout(), "unchanged")
				return nil
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s; restart the node to apply\n", path)
			return nil
		},
	}
}
