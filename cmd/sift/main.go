package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devsift/sift/internal/daemon"
	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/setup"
	"github.com/devsift/sift/internal/status"
	"github.com/devsift/sift/internal/uds"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemonCmd(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "publish":
		runPublish(os.Args[2:])
	case "findings":
		runFindings(os.Args[2:])
	case "index":
		runIndex(os.Args[2:])
	case "seen":
		runSeen(os.Args[2:])
	case "disclose":
		runDisclose(os.Args[2:])
	case "context":
		runContext(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "rescore":
		runRescore(os.Args[2:])
	case "version":
		fmt.Printf("sift %s\n", daemon.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	var name, dir string

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
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sift init [--name <project>] [dir]\n", args[i])
				os.Exit(1)
			}
			if dir != "" {
				fmt.Fprintln(os.Stderr, "usage: sift init [--name <project>] [dir]")
				os.Exit(1)
			}
			dir = args[i]
		}
	}
	if dir == "" {
		dir = "."
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .sift/ in %s\n", absDir)
}

func runDaemonCmd(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sift daemon <run|stop> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		runDaemonRun(args[1:])
	case "stop":
		runDaemonStop(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: sift daemon <run|stop> [options]")
		os.Exit(1)
	}
}

func runDaemonRun(args []string) {
	var logLevel string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--log-level":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(1)
			}
			i++
			logLevel = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sift daemon run [--log-level <debug|info|warn|error>]\n", args[i])
			os.Exit(1)
		}
	}

	siftDir := findSiftDir()
	if siftDir == "" {
		fmt.Fprintln(os.Stderr, "error: .sift/ directory not found. Run 'sift init' first.")
		os.Exit(1)
	}

	cfg, err := loadConfig(siftDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}

	d, err := daemon.New(siftDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runDaemonStop(_ []string) {
	resp := send("shutdown", nil)

	var data struct {
		Status string `json:"status"`
	}
	if err := uds.DecodeData(resp, &data); err != nil {
		fmt.Fprintf(os.Stderr, "daemon stop: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(data.Status)
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sift status [--json]\n", a)
			os.Exit(1)
		}
	}

	siftDir := findSiftDir()
	if siftDir == "" {
		fmt.Fprintln(os.Stderr, "error: .sift/ directory not found. Run 'sift init' first.")
		os.Exit(1)
	}

	if err := status.Run(siftDir, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runPublish(args []string) {
	var eventType, path string
	payload := map[string]string{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--type":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--type requires a value")
				os.Exit(1)
			}
			i++
			eventType = args[i]
		case "--path":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--path requires a value")
				os.Exit(1)
			}
			i++
			path = args[i]
		case "--payload":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--payload requires a value")
				os.Exit(1)
			}
			i++
			key, value, ok := strings.Cut(args[i], "=")
			if !ok {
				fmt.Fprintf(os.Stderr, "invalid --payload value: %s (want key=value)\n", args[i])
				os.Exit(1)
			}
			payload[key] = value
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: sift publish --type <file_saved|file_removed|interval> --path <file> [--payload k=v]...")
			os.Exit(1)
		}
	}

	if eventType == "" {
		fmt.Fprintln(os.Stderr, "--type is required")
		fmt.Fprintln(os.Stderr, "usage: sift publish --type <file_saved|file_removed|interval> --path <file> [--payload k=v]...")
		os.Exit(1)
	}

	params := daemon.PublishParams{Type: eventType, Path: path}
	if len(payload) > 0 {
		params.Payload = payload
	}
	resp := send("publish", params)
	printData(resp)
}

func runFindings(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, "usage: sift findings <immediate|relevant|background|auto_fixed> [--json]")
		os.Exit(1)
	}
	tier := args[0]

	jsonOutput := false
	for _, a := range args[1:] {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sift findings <tier> [--json]\n", a)
			os.Exit(1)
		}
	}

	resp := send("get_tier", daemon.GetTierParams{Tier: tier})
	if jsonOutput {
		printData(resp)
		return
	}

	var p model.Partition
	if err := uds.DecodeData(resp, &p); err != nil {
		fmt.Fprintf(os.Stderr, "findings: %v\n", err)
		os.Exit(1)
	}
	printPartition(tier, p)
}

func printPartition(tier string, p model.Partition) {
	if p.Count == 0 {
		fmt.Printf("no %s findings\n", tier)
		return
	}

	fmt.Printf("%s: %d finding(s)\n", tier, p.Count)
	for _, f := range p.Findings {
		marker := " "
		if !f.SeenByUser {
			marker = "*"
		}
		loc := f.File
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		fmt.Printf("%s %s  %-7s  %-12s  %s  %s\n", marker, f.ID, f.Severity, f.Agent, loc, f.Message)
		// Progressive disclosure: level 1 adds detail, level 2 adds the fix.
		if f.DisclosureLevel >= 1 && f.Detail != "" {
			fmt.Printf("      %s\n", f.Detail)
		}
		if f.DisclosureLevel >= 2 && f.Suggestion != "" {
			fmt.Printf("      fix: %s\n", f.Suggestion)
		}
	}
}

func runIndex(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sift index [--json]\n", a)
			os.Exit(1)
		}
	}

	resp := send("get_index", nil)
	if jsonOutput {
		printData(resp)
		return
	}

	var idx model.Index
	if err := uds.DecodeData(resp, &idx); err != nil {
		fmt.Fprintf(os.Stderr, "index: %v\n", err)
		os.Exit(1)
	}
	printIndex(idx)
}

func printIndex(idx model.Index) {
	fmt.Printf("Check now:           %d\n", idx.CheckNow.Count)
	if len(idx.CheckNow.Files) > 0 {
		fmt.Printf("  files: %s\n", strings.Join(idx.CheckNow.Files, ", "))
	}
	if idx.CheckNow.Preview != "" {
		fmt.Printf("  %s\n", idx.CheckNow.Preview)
	}
	fmt.Printf("Mention if relevant: %d\n", idx.MentionIfRelevant.Count)
	if len(idx.MentionIfRelevant.Categories) > 0 {
		fmt.Printf("  categories: %s\n", strings.Join(idx.MentionIfRelevant.Categories, ", "))
	}
	fmt.Printf("Deferred:            %d\n", idx.Deferred.Count)
}

func runSeen(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sift seen <finding_id>")
		os.Exit(1)
	}

	send("mark_seen", daemon.MarkSeenParams{FindingID: args[0]})
	fmt.Printf("marked %s seen\n", args[0])
}

func runDisclose(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: sift disclose <finding_id> <level>")
		os.Exit(1)
	}
	level, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid level: %s\n", args[1])
		os.Exit(1)
	}

	send("set_disclosure", daemon.SetDisclosureParams{FindingID: args[0], Level: level})
	fmt.Printf("finding %s disclosure level set to %d\n", args[0], level)
}

func runContext(args []string) {
	var params daemon.SetContextParams

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--editing":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--editing requires a value")
				os.Exit(1)
			}
			i++
			params.Editing = append(params.Editing, args[i])
		case "--related":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--related requires a value")
				os.Exit(1)
			}
			i++
			params.Related = append(params.Related, args[i])
		case "--phase":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--phase requires a value")
				os.Exit(1)
			}
			i++
			params.Phase = args[i]
		case "--request":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--request requires a value")
				os.Exit(1)
			}
			i++
			params.RequestCategories = append(params.RequestCategories, args[i])
		case "--active":
			params.InActiveCoding = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: sift context [--editing <path>]... [--related <path>]... [--phase <phase>] [--request <category>]... [--active]")
			os.Exit(1)
		}
	}

	send("set_context", params)
	fmt.Println("context updated")
}

func runCancel(args []string) {
	var agentName, path string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--agent":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--agent requires a value")
				os.Exit(1)
			}
			i++
			agentName = args[i]
		case "--path":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--path requires a value")
				os.Exit(1)
			}
			i++
			path = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sift cancel --agent <name> --path <file>\n", args[i])
			os.Exit(1)
		}
	}

	if agentName == "" || path == "" {
		fmt.Fprintln(os.Stderr, "usage: sift cancel --agent <name> --path <file>")
		os.Exit(1)
	}

	resp := send("cancel", daemon.CancelParams{Agent: agentName, Path: path})

	var data struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := uds.DecodeData(resp, &data); err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}
	if data.Cancelled {
		fmt.Printf("cancelled pending run agent=%s path=%s\n", agentName, path)
	} else {
		fmt.Printf("no pending run for agent=%s path=%s\n", agentName, path)
	}
}

func runRescore(_ []string) {
	resp := send("rescore", nil)

	var data daemon.RescoreData
	if err := uds.DecodeData(resp, &data); err != nil {
		fmt.Fprintf(os.Stderr, "rescore: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("rescored %d finding(s), %d moved\n", data.Total, data.Moved)
}

// send runs one command against the daemon socket and exits non-zero on
// failure. BACKPRESSURE maps to exit code 2 so scripted publishers can back
// off and retry.
func send(command string, params any) *uds.Response {
	siftDir := findSiftDir()
	if siftDir == "" {
		fmt.Fprintln(os.Stderr, "error: .sift/ directory not found. Run 'sift init' first.")
		os.Exit(1)
	}

	client := uds.NewClient(filepath.Join(siftDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
		if code == uds.ErrCodeBackpressure {
			os.Exit(2)
		}
		os.Exit(1)
	}
	return resp
}

func printData(resp *uds.Response) {
	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

// findSiftDir searches for .sift/ in the current directory and ancestors.
func findSiftDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".sift")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(siftDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(siftDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sift %s - background assistant for development workflows

Usage: sift <command> [options]

Project:
  init [--name <project>] [dir]    Initialize .sift/ directory
  daemon run [--log-level <l>]     Run the daemon in the foreground
  daemon stop                      Ask the running daemon to shut down
  status [--json]                  Show daemon and finding status

Events:
  publish --type <t> --path <p> [--payload k=v]...
                                   Publish an event to the scheduler
  cancel --agent <a> --path <p>    Cancel a debouncing or queued run

Findings:
  findings <tier> [--json]         List findings in one tier
  index [--json]                   Show the derived check-now summary
  seen <finding_id>                Mark a finding as seen
  disclose <finding_id> <level>    Set progressive disclosure level

Context:
  context [--editing <p>]... [--phase <ph>] [--request <cat>]... [--active]
                                   Update the working context
  rescore                          Re-rank stored findings against context

Utilities:
  version                          Show version
  help                             Show this help

`, daemon.Version)
}
