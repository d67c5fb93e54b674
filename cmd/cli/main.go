package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
	"github.com/baxromumarov/rollout-engine/pkg/transport"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "rollout":
		startRollout()
	case "health":
		healthCheck()
	case "status":
		groupStatus()
	case "report":
		showReport()
	case "history":
		history()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Rollout CLI Tool")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  cli rollout --coordinator=<address> --group=<name> --operation=<name> [--address=<k=v/k=v>] [--params=<json>]")
	fmt.Println("      Apply an operation to every server of a group")
	fmt.Println("  cli rollout --coordinator=<address> --groups=<g1,g2,...> [--in-series] --operation=<name> ...")
	fmt.Println("      Apply an operation to several groups, one after another with --in-series")
	fmt.Println("")
	fmt.Println("  cli health --addr=<address>")
	fmt.Println("      Check health of a coordinator or participant")
	fmt.Println("")
	fmt.Println("  cli status --addrs=<addr1,addr2,...>")
	fmt.Println("      Check health of several processes")
	fmt.Println("")
	fmt.Println("  cli report --coordinator=<address> --id=<rollout id>")
	fmt.Println("      Show the report of a finished rollout")
	fmt.Println("")
	fmt.Println("  cli history --coordinator=<address> [--group=<name>] [--limit=20]")
	fmt.Println("      List recent rollouts")
}

func startRollout() {
	fs := flag.NewFlagSet("rollout", flag.ExitOnError)
	coordinator := fs.String("coordinator", "localhost:8080", "Coordinator address")
	group := fs.String("group", "", "Server group to roll out to")
	groups := fs.String("groups", "", "Comma-separated server groups to roll out to")
	inSeries := fs.Bool("in-series", false, "Roll groups out one after another, stopping at the first rollback")
	operation := fs.String("operation", "", "Operation name")
	address := fs.String("address", "", "Target resource address, e.g. deployment=app.war")
	params := fs.String("params", "{}", "Operation parameters as JSON")
	wait := fs.Duration("wait", 5*time.Minute, "How long to wait for the rollout to finish")
	fs.Parse(os.Args[2:])

	targets := splitList(*groups)
	if (*group == "" && len(targets) == 0) || *operation == "" {
		log.Fatal("--group (or --groups) and --operation are required")
	}

	var paramData map[string]any
	if err := json.Unmarshal([]byte(*params), &paramData); err != nil {
		log.Fatalf("Invalid JSON params: %v", err)
	}

	addr, err := parseAddress(*address)
	if err != nil {
		log.Fatalf("Invalid address: %v", err)
	}

	op := protocol.Operation{
		Address: addr,
		Name:    *operation,
		Params:  paramData,
	}

	if len(targets) > 0 {
		startGroupRollout(*coordinator, &protocol.RolloutRequest{Groups: targets, InSeries: *inSeries, Operation: op}, *wait)
		return
	}

	req := &protocol.RolloutRequest{Group: *group, Operation: op}

	fmt.Printf("Rolling out '%s' to group %s via %s...\n", *operation, *group, *coordinator)

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	report, err := transport.NewHTTPClient(0).StartRollout(ctx, *coordinator, req)
	if err != nil {
		log.Fatalf("Rollout failed: %v", err)
	}

	printReport(report)
	if report.Verdict != protocol.VerdictCommit {
		os.Exit(2)
	}
}

func startGroupRollout(coordinator string, req *protocol.RolloutRequest, wait time.Duration) {
	mode := "concurrently"
	if req.InSeries {
		mode = "in series"
	}
	fmt.Printf("Rolling out '%s' to groups %s %s via %s...\n", req.Operation.Name, strings.Join(req.Groups, ", "), mode, coordinator)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	resp, err := transport.NewHTTPClient(0).StartGroupRollout(ctx, coordinator, req)
	if err != nil {
		log.Fatalf("Rollout failed: %v", err)
	}

	allCommitted := resp.Error == ""
	for i, report := range resp.Reports {
		switch {
		case report == nil:
			fmt.Printf("✗ Group %s: no report\n", req.Groups[i])
			allCommitted = false
		case report.Skipped:
			fmt.Printf("- Group %s: skipped\n", report.Group)
			allCommitted = false
		default:
			printReport(report)
			if report.Verdict != protocol.VerdictCommit {
				allCommitted = false
			}
		}
	}
	if resp.Error != "" {
		fmt.Printf("Errors: %s\n", resp.Error)
	}
	if !allCommitted {
		os.Exit(2)
	}
}

func healthCheck() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "", "Process address to check")
	fs.Parse(os.Args[2:])

	if *addr == "" {
		log.Fatal("--addr is required")
	}

	client := transport.NewHTTPClient(5 * time.Second)

	health, err := client.HealthCheck(context.Background(), *addr)
	if err != nil {
		fmt.Printf("✗ %s is DOWN: %v\n", *addr, err)
		os.Exit(1)
	}

	fmt.Printf("✓ %s is UP\n", *addr)
	fmt.Printf("  Role: %s\n", health.Role)
	fmt.Printf("  Status: %s\n", health.Status)
	if health.Role == transport.RoleParticipant {
		fmt.Printf("  Pending changes: %d\n", health.Pending)
	}
}

func groupStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addrs := fs.String("addrs", "", "Comma-separated list of process addresses")
	fs.Parse(os.Args[2:])

	if *addrs == "" {
		log.Fatal("--addrs is required")
	}

	client := transport.NewHTTPClient(5 * time.Second)

	fmt.Println("Status:")
	fmt.Println("-------")

	for _, addr := range splitList(*addrs) {
		health, err := client.HealthCheck(context.Background(), addr)
		if err != nil {
			fmt.Printf("  ✗ %s: DOWN\n", addr)
			continue
		}

		fmt.Printf("  ✓ %s: %s (%s, %d pending)\n", addr, health.Status, health.Role, health.Pending)
	}
}

func showReport() {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	coordinator := fs.String("coordinator", "localhost:8080", "Coordinator address")
	id := fs.String("id", "", "Rollout id")
	fs.Parse(os.Args[2:])

	if *id == "" {
		log.Fatal("--id is required")
	}

	report, err := transport.NewHTTPClient(5*time.Second).GetReport(context.Background(), *coordinator, *id)
	if err != nil {
		log.Fatalf("Failed to fetch report: %v", err)
	}
	printReport(report)
}

func history() {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	coordinator := fs.String("coordinator", "localhost:8080", "Coordinator address")
	group := fs.String("group", "", "Only show rollouts of this group")
	limit := fs.Int("limit", 20, "Number of rollouts to show")
	fs.Parse(os.Args[2:])

	reports, err := transport.NewHTTPClient(5*time.Second).ListReports(context.Background(), *coordinator, *group, *limit)
	if err != nil {
		log.Fatalf("Failed to list rollouts: %v", err)
	}

	if len(reports) == 0 {
		fmt.Println("No rollouts recorded")
		return
	}
	for _, r := range reports {
		fmt.Printf("%s  %-20s %-10s %-8s %d/%d failed\n",
			r.FinishedAt.Format(time.RFC3339), r.Group, r.Operation.Name, r.Verdict, r.Failed(), len(r.Participants))
	}
}

func printReport(r *protocol.Report) {
	mark := "✓"
	if r.Verdict != protocol.VerdictCommit {
		mark = "✗"
	}
	fmt.Printf("%s Rollout %s on %s: %s\n", mark, r.RolloutID, r.Group, r.Verdict)
	fmt.Printf("  Operation: %s %s\n", r.Operation.Name, r.Operation.Address)
	fmt.Printf("  Took: %v\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	for _, p := range r.Participants {
		line := fmt.Sprintf("    %-8s %s", p.Outcome, p.Identity)
		if p.TimedOut {
			line += " (timed out)"
		}
		if p.Description != "" {
			line += ": " + p.Description
		}
		fmt.Println(line)
	}

	for _, f := range r.DeliveryFailures {
		fmt.Printf("  ! %s not delivered to %s: %s\n", f.Phase, f.Identity, f.Error)
	}
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseAddress turns "deployment=app.war/subsystem=web" into an Address.
func parseAddress(s string) (protocol.Address, error) {
	if s == "" {
		return nil, nil
	}

	var addr protocol.Address
	for _, seg := range strings.Split(s, "/") {
		key, value, ok := strings.Cut(seg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("segment %q is not key=value", seg)
		}
		addr = append(addr, protocol.PathElement{Key: key, Value: value})
	}
	return addr, nil
}
