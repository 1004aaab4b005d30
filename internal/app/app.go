package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "import":
		return runImport(args[1:])
	case "cluster":
		return runCluster(args[1:])
	case "dedup", "run-once":
		return runDedup(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	case "serve":
		return runServe(args[1:])
	case "hash-token":
		return runHashToken(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "incidentdedup CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  incidentdedup <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health      Verify database (and arbiter cache) connectivity")
	fmt.Fprintln(os.Stderr, "  validate    Validate event record JSON files against the v1 schema")
	fmt.Fprintln(os.Stderr, "  import      Validate, enrich and store a batch of event records")
	fmt.Fprintln(os.Stderr, "  cluster     Cluster a JSON batch offline and print canonical events")
	fmt.Fprintln(os.Stderr, "  dedup       Cluster the lookback window and persist canonical events")
	fmt.Fprintln(os.Stderr, "  run-once    Alias for dedup")
	fmt.Fprintln(os.Stderr, "  daemon      Run dedup on an interval until signalled")
	fmt.Fprintln(os.Stderr, "  serve       Start the Echo API server")
	fmt.Fprintln(os.Stderr, "  hash-token  Print a bcrypt hash for OPERATOR_TOKEN_HASH")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"incidentdedup <command> -h\" for command-specific flags.")
}
