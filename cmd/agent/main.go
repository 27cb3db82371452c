package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/config"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/logger"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/tracer"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// commandFor picks the subcommand for args. Help flags win over the
// flags-only form, which runs the agent.
func commandFor(args []string) string {
	if len(args) < 2 {
		return "run"
	}
	switch args[1] {
	case "--help", "-h", "help":
		return "help"
	}
	if strings.HasPrefix(args[1], "-") {
		return "run"
	}
	return args[1]
}

func main() {
	cmd := commandFor(os.Args)

	var err error
	switch cmd {
	case "run":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	case "help":
		showUsage(os.Stdout)
		return
	case "kinds":
		err = runKinds()
	case "doctor":
		err = runDoctor()
	case "monitor":
		err = runMonitor(os.Args[2:])
	case "discover":
		err = runDiscover(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'msa --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `msa - event-driven agent runtime

USAGE:
    msa [COMMAND] [FLAGS]

COMMANDS:
    kinds       List the registered event kinds
    doctor      Run health checks on your setup
    monitor     Live terminal monitor of a running agent
                Flags: --url, --token, --interval
    discover    Find agents advertising on the local network
    encrypt     Encrypt a secret for the config file (needs MSA_CONFIG_KEY)
    version     Print the version

    (no command) - Run the agent

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: MSA_* variables override config`)
}

// configPath returns the --config flag value, then $MSA_CONFIG, then
// ./config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if p, ok := strings.CutPrefix(arg, "--config="); ok {
			return p
		}
	}
	if p := os.Getenv("MSA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer, cfg.Agent.Name)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer shutdownTracer(context.WithoutCancel(ctx))

	rt, err := buildRuntime(cfg, log)
	if err != nil {
		return err
	}

	log.Info("agent starting", "name", cfg.Agent.Name, "version", version, "kinds", len(rt.kinds.Kinds()))
	if err := rt.sup.Start(ctx, rt.tasks...); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	log.Info("agent stopped")
	return nil
}

func runKinds() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Gateway.Enabled = false
	cfg.Journal.Enabled = false
	cfg.Scheduler.Enabled = false

	rt, err := buildRuntime(cfg, logger.Discard())
	if err != nil {
		return err
	}
	return printKinds(os.Stdout, rt)
}

func printKinds(out io.Writer, rt *runtime) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRIORITY\tCATEGORIES")
	for _, k := range rt.kinds.Kinds() {
		cats := make([]string, 0, len(k.Categories))
		for _, c := range k.Categories {
			cats = append(cats, string(c))
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", k.Name, k.Priority, strings.Join(cats, ","))
	}
	return w.Flush()
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: msa encrypt VALUE")
	}
	key := os.Getenv(config.EnvConfigKey)
	if key == "" {
		return fmt.Errorf("%s is not set", config.EnvConfigKey)
	}
	enc, err := config.EncryptValue(args[0], key)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
