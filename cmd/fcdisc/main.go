// fcdisc drives Fibre Channel fabric discovery. It runs the discovery state
// machine against scripted fabrics, selects FCoE forwarders, inspects the
// FC hosts of the machine, and generates CDI spec files for their targets.
//
// Usage:
//
//	fcdisc simulate --scenario fabric.yaml
//	fcdisc fcf select --records fcoe.yaml --region region.bin
//	fcdisc discover
//	fcdisc doctor --host host7
//	fcdisc generate --all
//	fcdisc cleanup --prefix fc
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/fcdisc/pkg/cdi"
	"github.com/Nativu5/fcdisc/pkg/config"
	"github.com/Nativu5/fcdisc/pkg/disc"
	"github.com/Nativu5/fcdisc/pkg/discover"
	"github.com/Nativu5/fcdisc/pkg/doctor"
	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/fchost"
	"github.com/Nativu5/fcdisc/pkg/sim"
	"github.com/Nativu5/fcdisc/pkg/types"
	"github.com/Nativu5/fcdisc/pkg/utils"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// hostSource is the sysfs view used by discover, doctor and generate.
type hostSource interface {
	types.HostDiscoverer
	Host(name string) (*types.FCHost, error)
	HostByIfName(ifName string) (*types.FCHost, error)
}

// Overridden in tests.
var (
	newDiscoverer = func() hostSource { return fchost.NewDiscoverer() }
	osExit        = os.Exit
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// globals are the persistent flags and the configuration they load.
type globals struct {
	logLevel   string
	configPath string
	cfg        *config.Config
}

// config returns the loaded configuration, or the defaults when a
// subcommand runs outside the root command.
func (g *globals) config() *config.Config {
	if g.cfg == nil {
		g.cfg = config.GetDefaultConfig()
	}
	return g.cfg
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "fcdisc",
		Short: "Fibre Channel fabric discovery tool",
		Long:  "A tool for simulating Fibre Channel fabric discovery, selecting FCoE forwarders, inspecting FC hosts, and generating CDI (Container Device Interface) spec files for FC targets.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.logLevel != "" {
				if _, err := log.ParseLevel(g.logLevel); err != nil {
					return fmt.Errorf("invalid log level %q: %w", g.logLevel, err)
				}
			}
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if g.logLevel != "" {
				cfg.Logging.Level = g.logLevel
			}
			if err := cfg.Logging.ApplyLogging(log.StandardLogger()); err != nil {
				return err
			}
			g.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, fatal, panic); overrides the config file")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default "+config.GetDefaultConfigPath()+")")

	root.AddCommand(
		newSimulateCmd(g),
		newFCFCmd(g),
		newGenerateCmd(g),
		newDiscoverCmd(g),
		newDoctorCmd(g),
		newCleanupCmd(g),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  simulate
// ──────────────────────────────────────────────

func newSimulateCmd(g *globals) *cobra.Command {
	var (
		scenario string
		output   string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the discovery state machine against a scripted fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := runScenario(cmd, g.config(), scenario, timeout)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				return discover.PrintReportJSON(cmd.OutOrStdout(), rep)
			default:
				discover.PrintReportTable(cmd.OutOrStdout(), rep)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scenario, "scenario", "", "Scenario file (YAML or JSON)")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Maximum time for one step to settle")
	_ = cmd.MarkFlagRequired("scenario")

	return cmd
}

// runScenario loads and runs a scenario with the configured engine options.
// When metrics are enabled and a textfile is configured, the final metric
// values are written there.
func runScenario(cmd *cobra.Command, cfg *config.Config, path string, timeout time.Duration) (*sim.Report, error) {
	sc, err := sim.Load(path)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.DiscOptions()
	if err != nil {
		return nil, err
	}

	var (
		registry *prometheus.Registry
		metrics  *disc.Metrics
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = disc.NewMetrics(registry)
	}

	entry := log.WithField("scenario", sc.Name)
	rep, err := sim.Run(cmd.Context(), sc, sim.RunOptions{
		Disc:        opts,
		Logger:      entry,
		Metrics:     metrics,
		StepTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}

	if registry != nil && cfg.Metrics.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Metrics.Textfile, registry); err != nil {
			return nil, fmt.Errorf("cannot write metrics: %w", err)
		}
		entry.Infof("metrics written to %s", cfg.Metrics.Textfile)
	}
	return rep, nil
}

// ──────────────────────────────────────────────
//  fcf select
// ──────────────────────────────────────────────

func newFCFCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fcf",
		Short: "FCoE forwarder operations",
	}
	cmd.AddCommand(newFCFSelectCmd(g))
	return cmd
}

func newFCFSelectCmd(g *globals) *cobra.Command {
	var (
		records string
		region  string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select a forwarder from a record table using the connection list",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := sim.LoadRecords(records)
			if err != nil {
				return err
			}
			conns, err := loadConns(g.config(), region)
			if err != nil {
				return err
			}

			selector := fcf.NewSelector(conns, log.NewEntry(log.StandardLogger()))
			sel, ok, err := fcf.Scan(selector, table, nil)
			if err != nil {
				return err
			}
			var chosen *fcf.Selection
			if ok {
				chosen = &sel
			}

			switch output {
			case "json":
				if err := discover.PrintSelectionJSON(cmd.OutOrStdout(), chosen); err != nil {
					return err
				}
			default:
				discover.PrintFCFTable(cmd.OutOrStdout(), table, conns, chosen)
			}
			if chosen == nil {
				return fmt.Errorf("no eligible forwarder among %d record(s)", len(table))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&records, "records", "", "Forwarder records file (fcfs list or scenario)")
	cmd.Flags().StringVar(&region, "region", "", "Configuration region dump supplying the connection list")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")
	_ = cmd.MarkFlagRequired("records")

	return cmd
}

// loadConns reads the connection list from a region dump, falling back to
// the fcoe section of the configuration.
func loadConns(cfg *config.Config, region string) (fcf.ConnList, error) {
	if region == "" {
		return cfg.FCoE.Conns()
	}
	blob, err := os.ReadFile(region)
	if err != nil {
		return nil, fmt.Errorf("cannot read region: %w", err)
	}
	reg, err := fcf.ParseRegion(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", region, err)
	}
	log.Debugf("region v%d: %d connection entries", reg.Version, len(reg.Conns))
	return reg.Conns, nil
}

// ──────────────────────────────────────────────
//  generate
// ──────────────────────────────────────────────

func newGenerateCmd(g *globals) *cobra.Command {
	var (
		all         bool
		host        string
		ifname      string
		prefix      string
		name        string
		outputDir   string
		format      string
		annotations bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate CDI spec files for FC target ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.config()
			if !cmd.Flags().Changed("prefix") {
				prefix = cfg.CDI.Prefix
			}
			if !cmd.Flags().Changed("output-dir") {
				outputDir = cfg.CDI.OutputDir
			}
			if !cmd.Flags().Changed("format") {
				format = cfg.CDI.Format
			}

			d := newDiscoverer()
			write := func(h *types.FCHost, resName string) error {
				rports, err := d.RemotePorts(h.Name)
				if err != nil {
					return fmt.Errorf("remote port discovery failed: %w", err)
				}
				path, err := cdi.CreateCDISpec(prefix, resName, rports, outputDir, format)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s\n", path)
				if annotations {
					ann, err := cdi.CreateContainerAnnotations(rports, prefix, resName)
					if err != nil {
						return err
					}
					for k := range ann {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", k)
					}
				}
				return nil
			}

			if all {
				hosts, err := d.Hosts()
				if err != nil {
					return fmt.Errorf("host discovery failed: %w", err)
				}
				if len(hosts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No FC hosts found.")
					return nil
				}
				var errCount int
				for _, h := range hosts {
					if err := write(h, utils.HostResourceName(h)); err != nil {
						log.Errorf("failed to generate spec for %s: %v", h.Name, err)
						errCount++
					}
				}
				if errCount > 0 {
					return fmt.Errorf("%d host(s) failed to generate", errCount)
				}
				return nil
			}

			h, err := findHost(d, host, ifname)
			if err != nil {
				return fmt.Errorf("host discovery failed: %w", err)
			}
			if name == "" {
				name = deriveDefaultName(host, ifname)
			}
			if err := write(h, name); err != nil {
				return fmt.Errorf("CDI spec generation failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Generate specs for all FC hosts")
	cmd.Flags().StringVar(&host, "host", "", "FC host name (e.g. host7)")
	cmd.Flags().StringVar(&ifname, "ifname", "", "FCoE network interface name (e.g. eth2.100)")
	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name (auto-derived if omitted; incompatible with --all)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "Output directory for CDI spec files")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (json|yaml)")
	cmd.Flags().BoolVar(&annotations, "annotations", false, "Print the CDI device names to request")

	// --all, --host, --ifname are mutually exclusive; at least one required
	cmd.MarkFlagsMutuallyExclusive("all", "host", "ifname")
	cmd.MarkFlagsOneRequired("all", "host", "ifname")
	// --name is only meaningful for single-host mode
	cmd.MarkFlagsMutuallyExclusive("all", "name")

	return cmd
}

// ──────────────────────────────────────────────
//  discover
// ──────────────────────────────────────────────

func newDiscoverCmd(g *globals) *cobra.Command {
	var (
		host   string
		ifname string
		output string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover FC hosts and their remote ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, rports, err := collectHosts(newDiscoverer(), host, ifname)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			switch output {
			case "json":
				return discover.PrintHostsJSON(cmd.OutOrStdout(), hosts, rports)
			default:
				if len(hosts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No FC hosts found.")
					return nil
				}
				discover.PrintHostsTable(cmd.OutOrStdout(), hosts, rports)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "FC host name")
	cmd.Flags().StringVar(&ifname, "ifname", "", "FCoE network interface name")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	cmd.MarkFlagsMutuallyExclusive("host", "ifname")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd(g *globals) *cobra.Command {
	var (
		host     string
		ifname   string
		scenario string
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics for FC hosts or a simulated adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report *doctor.Report
			if scenario != "" {
				rep, err := runScenario(cmd, g.config(), scenario, 5*time.Second)
				if err != nil {
					return err
				}
				report = doctor.DiagnoseSnapshot(rep.Final)
			} else {
				hosts, rports, err := collectHosts(newDiscoverer(), host, ifname)
				if err != nil {
					return fmt.Errorf("host discovery failed: %w", err)
				}
				report = doctor.DiagnoseHosts(hosts, rports)
			}

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), report, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), report, showPass)
			}

			// Exit code strategy
			if report.HasFail {
				osExit(exitRuntimeError)
			}
			if strict && report.HasWarn {
				osExit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "FC host name")
	cmd.Flags().StringVar(&ifname, "ifname", "", "FCoE network interface name")
	cmd.Flags().StringVar(&scenario, "scenario", "", "Diagnose the final state of a simulated scenario instead of the local hosts")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	cmd.MarkFlagsMutuallyExclusive("host", "ifname", "scenario")

	return cmd
}

// ──────────────────────────────────────────────
//  cleanup
// ──────────────────────────────────────────────

func newCleanupCmd(g *globals) *cobra.Command {
	var (
		prefix    string
		name      string
		outputDir string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove CDI spec files created by this tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.config()
			if !cmd.Flags().Changed("prefix") {
				prefix = cfg.CDI.Prefix
			}
			if !cmd.Flags().Changed("output-dir") {
				outputDir = cfg.CDI.OutputDir
			}

			removed, err := cdi.CleanupSpecs(outputDir, prefix, name, dryRun)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching spec files found.")
				return nil
			}
			action := "Removed"
			if dryRun {
				action = "Would remove"
			}
			for _, f := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix to match")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name to match (all if omitted)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "CDI spec directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fcdisc %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// findHost resolves a host by name or FCoE interface.
func findHost(d hostSource, host, ifname string) (*types.FCHost, error) {
	if ifname != "" {
		return d.HostByIfName(ifname)
	}
	return d.Host(host)
}

// collectHosts returns one host and its rports when a locator is given,
// otherwise every host and every rport.
func collectHosts(d hostSource, host, ifname string) ([]*types.FCHost, []*types.RemotePortInfo, error) {
	if host == "" && ifname == "" {
		hosts, err := d.Hosts()
		if err != nil {
			return nil, nil, err
		}
		rports, err := d.RemotePorts("")
		if err != nil {
			return nil, nil, err
		}
		return hosts, rports, nil
	}
	h, err := findHost(d, host, ifname)
	if err != nil {
		return nil, nil, err
	}
	rports, err := d.RemotePorts(h.Name)
	if err != nil {
		return nil, nil, err
	}
	return []*types.FCHost{h}, rports, nil
}

// deriveDefaultName builds a default resource name from the locator flags.
func deriveDefaultName(host, ifname string) string {
	if ifname != "" {
		return utils.SanitizeName(ifname)
	}
	if host != "" {
		return utils.SanitizeName(host)
	}
	return "unknown"
}
