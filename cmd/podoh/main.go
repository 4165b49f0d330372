package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Operative-001/podoh/internal/config"
	"github.com/Operative-001/podoh/internal/crypto"
	"github.com/Operative-001/podoh/internal/directory"
	"github.com/Operative-001/podoh/internal/hop"
	"github.com/Operative-001/podoh/internal/onion"
	"github.com/Operative-001/podoh/internal/protocol"
	"github.com/Operative-001/podoh/internal/proxy"
	"github.com/Operative-001/podoh/internal/route"
	"github.com/Operative-001/podoh/internal/transport"
)

var log = logrus.WithField("at", "main")

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "podoh",
	Short: "Multi-hop oblivious DNS over HTTPS.",
	Long: `podoh relays DNS queries through a chain of intercepting proxies.

Each hop opens one layer of the request, learns where it goes next and
forwards the rest. No hop sees both who asked and what was asked.`,
	SilenceUsage: true,
}

var flagUsage = map[string]string{
	"listen":         "Address the interception proxy binds to",
	"port":           "Port the interception proxy binds to",
	"cert_file":      "PEM file of the interception CA certificate",
	"key_file":       "PEM file of the interception CA key",
	"data_dir":       "Data directory",
	"layout":         "Routing layout: passthrough, hopcount, explicit or fixed",
	"exit":           "Deliver fixed-layout requests to the named origin",
	"seed":           "Seed for relay selection and derived keys (default port - pool-base-port)",
	"pool_size":      "Number of relays in the hop-count pool",
	"pool_base_port": "Port of the first pool relay",
	"pool_host":      "Host the pool relays run on",
	"target":         "Base URL requests are posted to through a relay",
	"query_path":     "Path of the DoH endpoint",
	"timeout":        "Timeout of one outbound request",
	"insecure":       "Skip certificate verification of the next hop",
	"log_level":      "Log level",
}

func addFlags(cmd *cobra.Command, keys ...string) {
	d := viper.New()
	config.SetDefaults(d)
	fs := cmd.Flags()
	for _, key := range keys {
		name, usage := config.FlagName(key), flagUsage[key]
		switch key {
		case "port", "pool_size", "pool_base_port":
			fs.Int(name, d.GetInt(key), usage)
		case "seed":
			fs.Int64(name, 0, usage)
		case "exit", "insecure":
			fs.Bool(name, d.GetBool(key), usage)
		case "timeout":
			fs.Duration(name, d.GetDuration(key), usage)
		default:
			fs.String(name, d.GetString(key), usage)
		}
	}
}

// loadConfig binds every known flag of cmd and resolves the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	for _, key := range config.Keys {
		if f := cmd.Flags().Lookup(config.FlagName(key)); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)
	return cfg, nil
}

func openDirectory(cfg *config.Config) (*directory.Directory, error) {
	dir, err := directory.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	return dir, nil
}

// ─── keygen ─────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the key pair of this hop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := cfg.IdentityPath()

		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Identity already exists at %s\n", path)
			fmt.Print("Overwrite? [y/N] ")
			var resp string
			fmt.Scanln(&resp)
			if !strings.EqualFold(strings.TrimSpace(resp), "y") {
				fmt.Println("Aborted.")
				return nil
			}
		}

		var kp *crypto.KeyPair
		if cmd.Flags().Changed("seed") {
			kp, err = crypto.DeriveKeyPair(uint64(cfg.Seed))
		} else {
			kp, err = crypto.GenerateKeyPair()
		}
		if err != nil {
			return err
		}
		if err := kp.Save(path); err != nil {
			return err
		}
		fmt.Printf("\n✓ Key pair generated\n")
		fmt.Printf("  Public key : %s\n", kp.PublicKeyHex())
		fmt.Printf("  Key id     : %s\n", kp.KeyIDHex)
		fmt.Printf("  Saved to   : %s\n\n", path)
		fmt.Println("Give the public key and your address to clients so they can route through you.")
		return nil
	},
}

// ─── relay ───────────────────────────────────────────────────────────────────

// hopKeys loads the identity file, falling back to the key derived from the
// configured seed.
func hopKeys(cfg *config.Config) (*crypto.KeyPair, error) {
	kp, err := crypto.LoadKeyPair(cfg.IdentityPath())
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load identity %s: %w", cfg.IdentityPath(), err)
	}
	log.WithField("seed", cfg.Seed).Info("no identity file, deriving key pair from seed")
	return crypto.DeriveKeyPair(uint64(cfg.Seed))
}

type counters struct {
	handled atomic.Int64
	failed  atomic.Int64
}

func (c *counters) OnSummary(s *hop.Summary) {
	c.handled.Add(1)
	if s.Kind != hop.KindNone {
		c.failed.Add(1)
	}
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run one hop of the chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var kp *crypto.KeyPair
		if cfg.Layout.Sealed() {
			if kp, err = hopKeys(cfg); err != nil {
				return err
			}
		}

		opts := transport.Options{Timeout: cfg.Timeout, Insecure: cfg.Insecure}
		var pool []string
		if cfg.Layout == route.LayoutHopCount {
			pool = cfg.Pool()
			opts.Relays = pool
		}
		tr, err := transport.NewHTTP(opts)
		if err != nil {
			return err
		}
		defer tr.Close()

		stats := &counters{}
		router, err := hop.New(hop.Config{
			Label:      cfg.Addr(),
			Keys:       kp,
			Layout:     cfg.Layout,
			Exit:       cfg.Exit,
			Pool:       pool,
			Seed:       cfg.Seed,
			Target:     cfg.Target,
			QueryPath:  cfg.QueryPath,
			Dispatcher: tr,
			Listener:   stats,
		})
		if err != nil {
			return err
		}

		srv, err := proxy.New(proxy.Config{
			Listen:   cfg.Addr(),
			CertFile: cfg.CertFile,
			KeyFile:  cfg.KeyFile,
			Handler:  router,
		})
		if err != nil {
			return err
		}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()

		fmt.Printf("\n  podoh relay\n\n")
		fmt.Printf("  Listening : %s\n", cfg.Addr())
		fmt.Printf("  Layout    : %s\n", cfg.Layout)
		if kp != nil {
			fmt.Printf("  Identity  : %s\n", kp.PublicKeyHex())
			fmt.Printf("  Key id    : %s\n", kp.KeyIDHex)
		}
		if len(pool) > 0 {
			fmt.Printf("  Pool      : %d relays from %s (seed %d)\n", len(pool), pool[0], cfg.Seed)
		}
		if cfg.Exit {
			fmt.Printf("  Exit      : yes\n")
		}
		fmt.Printf("  Target    : %s%s\n\n", cfg.Target, cfg.QueryPath)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errc:
			return err
		case <-sig:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
		fmt.Printf("\nShutting down. Relayed %d requests, %d failed.\n", stats.handled.Load(), stats.failed.Load())
		return nil
	},
}

// ─── query ───────────────────────────────────────────────────────────────────

var queryCmd = &cobra.Command{
	Use:   "query <name> [type]",
	Short: "Send a DNS question through the chain",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		qtype := dns.TypeA
		if len(args) == 2 {
			t, ok := dns.StringToType[strings.ToUpper(args[1])]
			if !ok {
				return fmt.Errorf("unknown record type %q", args[1])
			}
			qtype = t
		}

		targetHex, _ := cmd.Flags().GetString("target-key")
		targetKey, err := crypto.PublicKeyFromHex(targetHex)
		if err != nil {
			return fmt.Errorf("target key: %w", err)
		}
		msg, err := onion.Question(args[0], qtype)
		if err != nil {
			return err
		}
		inner, err := onion.Query(targetKey, msg)
		if err != nil {
			return err
		}

		endpoint, err := url.Parse(cfg.Target)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		endpoint.Path = cfg.QueryPath
		origin, _ := cmd.Flags().GetString("origin")
		if origin == "" {
			origin = endpoint.Hostname()
		}
		via, _ := cmd.Flags().GetString("via")
		if via == "" {
			via = cfg.Addr()
		}

		var body []byte
		switch cfg.Layout {
		case route.LayoutExplicit, route.LayoutFixed:
			names, _ := cmd.Flags().GetStringSlice("route")
			dir, err := openDirectory(cfg)
			if err != nil {
				return err
			}
			hops, err := dir.Route(names)
			dir.Close()
			if err != nil {
				return err
			}
			if len(hops) == 0 {
				return fmt.Errorf("layout %s needs --route", cfg.Layout)
			}
			if !cmd.Flags().Changed("via") {
				via = hops[0].Addr
			}
			if cfg.Layout == route.LayoutExplicit {
				body, err = onion.Explicit(hops, origin, inner)
			} else {
				body, err = onion.Fixed(hops, origin, inner)
			}
			if err != nil {
				return err
			}
		case route.LayoutHopCount:
			composed, err := protocol.Compose(inner)
			if err != nil {
				return err
			}
			n, _ := cmd.Flags().GetInt("hops")
			if body, err = onion.HopCount(n, composed); err != nil {
				return err
			}
		default:
			if body, err = protocol.Compose(inner); err != nil {
				return err
			}
		}

		tr, err := transport.NewHTTP(transport.Options{Timeout: cfg.Timeout, Insecure: cfg.Insecure})
		if err != nil {
			return err
		}
		defer tr.Close()

		c := &onion.Client{Dispatcher: tr, URL: endpoint}
		start := time.Now()
		res, err := c.Post(cmd.Context(), via, body)
		if err != nil {
			return err
		}
		fmt.Printf("Query    : %s %s\n", dns.Fqdn(args[0]), dns.TypeToString[qtype])
		fmt.Printf("Layout   : %s via %s\n", cfg.Layout, via)
		fmt.Printf("Sent     : %d bytes\n", len(body))
		fmt.Printf("Status   : %d\n", res.Status)
		fmt.Printf("Received : %d bytes in %s\n", len(res.Body), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// ─── relays ──────────────────────────────────────────────────────────────────

var relaysCmd = &cobra.Command{
	Use:   "relays",
	Short: "Manage the relay directory",
}

var relaysAddCmd = &cobra.Command{
	Use:   "add <name> <addr> <public-key>",
	Short: "Add or replace a relay",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir, err := openDirectory(cfg)
		if err != nil {
			return err
		}
		defer dir.Close()

		if err := dir.Add(&directory.Entry{Name: args[0], Addr: args[1], PublicKey: args[2]}); err != nil {
			return err
		}
		fmt.Printf("✓ Added '%s' → %s\n", args[0], args[1])
		return nil
	},
}

var relaysImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import relays from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir, err := openDirectory(cfg)
		if err != nil {
			return err
		}
		defer dir.Close()

		n, err := dir.Import(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Imported %d relays\n", n)
		return nil
	},
}

var relaysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known relays",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir, err := openDirectory(cfg)
		if err != nil {
			return err
		}
		defer dir.Close()

		for _, e := range dir.All() {
			fmt.Printf("  %-16s %-24s %s\n", e.Name, e.Addr, e.KeyID[:16]+"...")
		}
		return nil
	},
}

var relaysRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir, err := openDirectory(cfg)
		if err != nil {
			return err
		}
		defer dir.Close()
		return dir.Remove(args[0])
	},
}

// ─── status ──────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity, configuration and directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if kp, err := crypto.LoadKeyPair(cfg.IdentityPath()); err == nil {
			fmt.Printf("Identity : %s\n", kp.PublicKeyHex())
			fmt.Printf("Key id   : %s\n", kp.KeyIDHex)
		} else {
			fmt.Printf("Identity : none (derived from seed %d at startup)\n", cfg.Seed)
		}
		fmt.Printf("Listen   : %s\n", cfg.Addr())
		fmt.Printf("Layout   : %s\n", cfg.Layout)
		fmt.Printf("Target   : %s%s\n", cfg.Target, cfg.QueryPath)

		dir, err := openDirectory(cfg)
		if err != nil {
			return err
		}
		defer dir.Close()
		entries := dir.All()
		fmt.Printf("Directory: %d relays\n", len(entries))
		for _, e := range entries {
			fmt.Printf("  %-20s %s\n", e.Name, e.Addr)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("data-dir", config.DefaultDataDir(), flagUsage["data_dir"])
	rootCmd.PersistentFlags().String("log-level", "info", flagUsage["log_level"])

	addFlags(keygenCmd, "seed")
	addFlags(relayCmd, "listen", "port", "cert_file", "key_file", "layout", "exit", "seed",
		"pool_size", "pool_base_port", "pool_host", "target", "query_path", "timeout", "insecure")
	addFlags(queryCmd, "listen", "port", "layout", "target", "query_path", "timeout", "insecure")
	addFlags(statusCmd, "listen", "port", "layout", "target", "query_path")

	queryCmd.Flags().String("target-key", "", "HPKE public key of the resolver (hex)")
	queryCmd.Flags().String("origin", "", "Origin host the exit hop delivers to (default the target host)")
	queryCmd.Flags().String("via", "", "First hop address (default the first relay of the route, or listen:port)")
	queryCmd.Flags().StringSlice("route", nil, "Relay names from the directory, in order")
	queryCmd.Flags().Int("hops", 2, "Relays to cross for the hop-count layout")
	queryCmd.MarkFlagRequired("target-key") //nolint:errcheck

	relaysCmd.AddCommand(relaysAddCmd, relaysImportCmd, relaysListCmd, relaysRemoveCmd)
	rootCmd.AddCommand(keygenCmd, relayCmd, queryCmd, relaysCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
