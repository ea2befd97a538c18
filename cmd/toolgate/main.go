package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/approval"
	"github.com/toolgate/toolgate/config"
	"github.com/toolgate/toolgate/conn"
	"github.com/toolgate/toolgate/delegate"
	"github.com/toolgate/toolgate/gateway"
	"github.com/toolgate/toolgate/session"
	"github.com/toolgate/toolgate/terminal"
	"github.com/toolgate/toolgate/tools"
	"github.com/toolgate/toolgate/transport"
)

func main() {
	logLevelFlag := flag.String("log-level", "info", "Log level: 'debug', 'info', 'warn', or 'error'")
	strictFlag := flag.Bool("strict", false, "Fail startup if any tool server cannot be reached")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s'.\n", *logLevelFlag)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *strictFlag {
		for i := range cfg.Servers {
			cfg.Servers[i].Mode = config.ModeStrict
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := conn.NewManager(conn.Options{
		Dial: func(ctx context.Context, sc config.ServerConfig) (conn.ToolSession, error) {
			return transport.Dial(ctx, sc, transport.Options{Logger: log})
		},
		Logger: log,
	})
	defer manager.Close()

	if err := manager.ConnectAll(ctx, cfg.Servers); err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting tool servers: %+v\n", err)
		os.Exit(1)
	}

	broker := approval.NewBroker(approval.BrokerOptions{
		Logger:         log,
		DefaultTimeout: cfg.Approval.Timeout(),
		Retention:      cfg.Approval.Retention(),
	})
	// One line pump feeds both the console loop and approval prompts, so
	// they take turns on the terminal without racing on stdin.
	input := terminal.NewInput(os.Stdin)
	approver := terminal.NewApprover(broker, input, os.Stdout, log)
	broker.SetPublisher(approver)

	sessions := session.NewRegistry(log)
	sessions.OnCancel(func(id string) { broker.CancelSession(id) })

	policy, err := gateway.NewPolicy(cfg.Approval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in approval policy: %+v\n", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry(cfg)
	delegator := delegate.NewClient(delegate.ClientOptions{Logger: log})
	registry.Register(delegate.NewTaskTool(delegator, cfg.Agents))

	gw := gateway.New(gateway.Options{
		Registry:    registry,
		Connections: manager,
		Approvals:   broker,
		Policy:      policy,
		Sessions:    sessions,
		Logger:      log,
	})

	fmt.Println("toolgate is ready. Type 'help' for commands.")
	if err := runConsole(ctx, input, gw, manager, sessions); err != nil {
		fmt.Fprintf(os.Stderr, "Stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

// runConsole is a minimal operator loop for exercising the gateway without
// an attached reasoning agent.
func runConsole(ctx context.Context, in *terminal.Input, gw *gateway.Gateway, manager *conn.Manager, sessions *session.Registry) error {
	sessionID := uuid.NewString()
	sessions.Start(sessionID)
	defer sessions.Cancel(sessionID)

	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-in.Lines():
			if !ok {
				return nil
			}
			line = l
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help":
			fmt.Println("commands: servers | tools <server> | call <server> <tool> <json-args> | quit")
		case "quit", "exit":
			return nil
		case "servers":
			for _, c := range manager.Snapshot() {
				fmt.Printf("  %-20s %-12s %s (%d tools)\n", c.Server, c.Transport, c.State, len(c.Tools))
			}
		case "tools":
			if len(fields) < 2 {
				fmt.Println("usage: tools <server>")
				continue
			}
			descs, err := manager.ListTools(fields[1])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for _, d := range descs {
				marker := " "
				if d.RequiresApproval {
					marker = "!"
				}
				fmt.Printf("  %s %-30s %s\n", marker, d.Name, d.Description)
			}
		case "call":
			if len(fields) < 3 {
				fmt.Println("usage: call <server> <tool> <json-args>")
				continue
			}
			args := map[string]any{}
			if rest := strings.Join(fields[3:], " "); rest != "" {
				if err := json.Unmarshal([]byte(rest), &args); err != nil {
					fmt.Printf("bad args: %v\n", err)
					continue
				}
			}
			res, err := gw.Execute(ctx, gateway.ToolCallRequest{
				Tool:      fields[2],
				Server:    fields[1],
				Args:      args,
				SessionID: sessionID,
			})
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(res.Text())
		default:
			fmt.Printf("unknown command '%s'\n", fields[0])
		}
	}
}
