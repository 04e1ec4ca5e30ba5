// Package main prints the bcrypt hash for ADMIN_PASSWORD_HASH. The password is
// read from the first line of stdin.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/aura-voice/callbridge/pkg/utils"
)

func main() {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(os.Stderr, "read password:", err)
		os.Exit(1)
	}
	hash, err := utils.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash password: %v (minimum %d characters)\n", err, utils.MinPasswordLength)
		os.Exit(1)
	}
	fmt.Println(hash)
}
