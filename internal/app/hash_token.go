package app

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"horse.fit/incidentdedup/internal/auth"
)

// runHashToken prints the bcrypt hash for OPERATOR_TOKEN_HASH. Without a
// token on stdin or --token it generates one and prints both.
func runHashToken(args []string) int {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	token := fs.String("token", "", "Operator token to hash (read from stdin when --stdin is set)")
	fromStdin := fs.Bool("stdin", false, "Read the token from the first line of stdin")
	generate := fs.Bool("generate", false, "Generate a random token")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	value := strings.TrimSpace(*token)
	if *fromStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && strings.TrimSpace(line) == "" {
			fmt.Fprintf(os.Stderr, "Failed to read token from stdin: %v\n", err)
			return 1
		}
		value = strings.TrimSpace(line)
	}

	generated := false
	if value == "" {
		if !*generate {
			fmt.Fprintln(os.Stderr, "provide --token, --stdin or --generate")
			return 2
		}
		var err error
		value, err = auth.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
			return 1
		}
		generated = true
	}

	hash, err := auth.HashToken(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash token: %v\n", err)
		return 2
	}

	if generated {
		fmt.Printf("token=%s\n", value)
	}
	fmt.Printf("OPERATOR_TOKEN_HASH=%s\n", hash)
	return 0
}
