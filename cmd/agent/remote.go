package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/gateway"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/tui/monitor"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/config"
)

// remoteTarget resolves the gateway URL and token for client commands:
// flags first, then MSA_GATEWAY_TOKEN, then the local config.
func remoteTarget(cfg *config.Config, url, token string) (string, string) {
	if url == "" {
		url = "ws://" + cfg.Gateway.Addr + "/ws"
	}
	if token == "" {
		token = os.Getenv("MSA_GATEWAY_TOKEN")
	}
	if token == "" && len(cfg.Gateway.Auth.Tokens) > 0 {
		token = cfg.Gateway.Auth.Tokens[0].Token
	}
	return url, token
}

func runMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	url := fs.String("url", "", "gateway WebSocket URL (default: from config)")
	token := fs.String("token", "", "gateway token")
	interval := fs.Duration("interval", 2*time.Second, "status poll interval")
	fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	target, tok := remoteTarget(cfg, *url, *token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := gateway.Dial(ctx, target, tok)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	p := tea.NewProgram(monitor.New(client, target, *interval), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err = p.Run()
	return err
}

func runDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	timeout := fs.Duration("timeout", gateway.DefaultBrowseTimeout, "how long to listen for announcements")
	if err := fs.Parse(args); err != nil {
		return err
	}
	peers, err := gateway.Browse(context.Background(), *timeout)
	if err != nil {
		return err
	}
	return printPeers(os.Stdout, peers)
}

func printPeers(out io.Writer, peers []gateway.Peer) error {
	if len(peers) == 0 {
		fmt.Fprintln(out, "no agents found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tAGENT\tVERSION\tURL")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Instance, p.Agent, p.Version, p.WSURL())
	}
	return w.Flush()
}
