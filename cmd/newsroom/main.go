package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oviney/economist-agents-sub003/internal/orchestrator"
	"github.com/oviney/economist-agents-sub003/internal/setup"
	"github.com/oviney/economist-agents-sub003/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "next":
		runNext(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "escalations":
		runEscalations(os.Args[2:])
	case "resolve":
		runResolve(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "scan":
		sendSimple("scan")
	case "down":
		sendSimple("shutdown")
	case "version":
		fmt.Printf("newsroom %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: newsroom <command> [options]

commands:
  init [dir] [--name <name>]           initialize .newsroom/ in a project directory
  daemon                               run the orchestration daemon (foreground)
  submit <story.yaml>                  submit a story for expansion
  next --class <class> --worker <id>   claim the next ready item for a worker
  status [--story <id>]                show item counts (global or per story)
  escalations                          list pending escalations
  resolve <id> --resolution <approve|reject> [--comment <text>]
  cancel <item_id> [--reason <text>]   reject a not-yet-started item
  scan                                 trigger an immediate orchestration pass
  down                                 stop the daemon
  version                              print version`)
}

func runInit(args []string) {
	dir := "."
	name := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			dir = args[i]
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .newsroom/ in %s\n", absDir)
}

func runDaemon(_ []string) {
	baseDir := mustBaseDir()
	cfg, err := setup.LoadConfig(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := orchestrator.NewDaemon(baseDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: newsroom submit <story.yaml>")
		os.Exit(1)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read story file: %v\n", err)
		os.Exit(1)
	}

	resp := send("submit", map[string]string{"story_yaml": string(data)})
	printData(resp)
}

func runNext(args []string) {
	var class, worker string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--class":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--class requires a value")
				os.Exit(1)
			}
			i++
			class = args[i]
		case "--worker":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--worker requires a value")
				os.Exit(1)
			}
			i++
			worker = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: newsroom next --class <class> --worker <id>\n", args[i])
			os.Exit(1)
		}
	}
	if class == "" || worker == "" {
		fmt.Fprintln(os.Stderr, "usage: newsroom next --class <class> --worker <id>")
		os.Exit(1)
	}

	resp := send("next", map[string]string{"capability_class": class, "worker_id": worker})
	printData(resp)
}

func runStatus(args []string) {
	storyID := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--story":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--story requires a value")
				os.Exit(1)
			}
			i++
			storyID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: newsroom status [--story <id>]\n", args[i])
			os.Exit(1)
		}
	}

	var params any
	if storyID != "" {
		params = map[string]string{"story_id": storyID}
	}
	resp := send("status", params)
	printData(resp)
}

func runEscalations(_ []string) {
	resp := send("escalations", nil)
	printData(resp)
}

func runResolve(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: newsroom resolve <escalation_id> --resolution <approve|reject> [--comment <text>]")
		os.Exit(1)
	}
	escalationID := args[0]
	var resolution, comment string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--resolution":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--resolution requires a value")
				os.Exit(1)
			}
			i++
			resolution = args[i]
		case "--comment":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--comment requires a value")
				os.Exit(1)
			}
			i++
			comment = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if resolution != "approve" && resolution != "reject" {
		fmt.Fprintln(os.Stderr, "--resolution must be approve or reject")
		os.Exit(1)
	}

	resp := send("resolve", map[string]string{
		"escalation_id": escalationID,
		"resolution":    resolution,
		"comment":       comment,
	})
	printData(resp)
}

func runCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: newsroom cancel <item_id> [--reason <text>]")
		os.Exit(1)
	}
	itemID := args[0]
	reason := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--reason":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--reason requires a value")
				os.Exit(1)
			}
			i++
			reason = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	resp := send("cancel", map[string]string{"item_id": itemID, "reason": reason})
	printData(resp)
}

func mustBaseDir() string {
	baseDir, err := setup.FindBaseDir(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return baseDir
}

func send(command string, params any) *uds.Response {
	baseDir := mustBaseDir()
	client := uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))

	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s: [%s] %s\n", command, resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	return resp
}

func sendSimple(command string) {
	resp := send(command, nil)
	printData(resp)
}

func printData(resp *uds.Response) {
	if len(resp.Data) == 0 {
		fmt.Println("ok")
		return
	}
	var v any
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		fmt.Println(string(resp.Data))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
