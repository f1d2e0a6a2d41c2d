// Command hash-token generates an admin token, or hashes a supplied one, and
// prints the pbkdf2 hash to configure as FAILOVER_ADMIN_TOKEN_HASH.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"stream-failover/internal/auth"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	length := fs.Int("length", 32, "random bytes in a generated token")
	fromStdin := fs.Bool("stdin", false, "hash the token read from standard input instead of generating one")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	token := ""
	if *fromStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			fmt.Fprintf(stderr, "read token: %v\n", err)
			return 1
		}
		token = strings.TrimSpace(line)
		if token == "" {
			fmt.Fprintln(stderr, "token on standard input is empty")
			return 1
		}
	} else {
		generated, err := auth.GenerateToken(*length)
		if err != nil {
			fmt.Fprintf(stderr, "generate token: %v\n", err)
			return 1
		}
		token = generated
		fmt.Fprintf(stdout, "token: %s\n", token)
	}

	hash, err := auth.HashToken(token)
	if err != nil {
		fmt.Fprintf(stderr, "hash token: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "hash: %s\n", hash)
	return 0
}
