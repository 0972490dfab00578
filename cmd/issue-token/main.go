// Command issue-token signs student and proctor tokens for the proctor API.
// The signing secret comes from JWT_SECRET or is prompted for on the terminal.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func main() {
	var role, exams string
	var id int
	flag.StringVar(&role, "role", string(service.TokenTypeStudent), "Token type: student or proctor")
	flag.IntVar(&id, "id", 0, "Student or proctor ID (required)")
	flag.StringVar(&exams, "exams", "", "Comma-separated exam IDs a proctor may watch (empty: all)")
	flag.Parse()

	if id <= 0 {
		log.Fatal("-id must be a positive integer")
	}

	cfg := config.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		var err error
		if secret, err = promptSecret(); err != nil {
			log.Fatalf("Failed to read secret: %v", err)
		}
	}

	auth := service.NewAuthService(secret, cfg.JWTExpiry)

	var token string
	var err error
	switch service.TokenType(role) {
	case service.TokenTypeStudent:
		token, err = auth.GenerateStudentToken(id)
	case service.TokenTypeProctor:
		token, err = auth.GenerateProctorToken(id, splitExams(exams))
	default:
		log.Fatalf("Unknown role %q", role)
	}
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}

func promptSecret() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("JWT_SECRET is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "JWT secret: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("empty secret")
	}
	return secret, nil
}

func splitExams(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
