package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// credhash prints a bcrypt hash for a secret given as the first argument or
// on stdin. The cost floor matches what the identity service enforces.
func main() {
	cost := bcrypt.DefaultCost
	args := os.Args[1:]
	if len(args) > 1 && args[0] == "-cost" {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < bcrypt.MinCost || n > bcrypt.MaxCost {
			fmt.Fprintf(os.Stderr, "invalid cost %q\n", args[1])
			os.Exit(3)
		}
		cost = n
		args = args[2:]
	}
	if cost < 12 {
		cost = 12
	}

	secret, err := readSecret(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read secret: %v\n", err)
		os.Exit(3)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash secret: %v\n", err)
		os.Exit(4)
	}
	fmt.Println(string(hash))
}

func readSecret(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	info, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("provide secret as arg or stdin")
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}
