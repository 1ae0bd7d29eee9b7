package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/facebookgo/flagenv"
	"github.com/joho/godotenv"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/auth"
)

var (
	jwtSecret = flag.String("jwt-secret", "", "secret used to sign credentials")
	team      = flag.String("team", "", "team the credential is issued to")
	teamsFile = flag.String("teams-file", "", "file with one team id per line; issues one credential per team")
	admin     = flag.Bool("admin", false, "issue an administrator credential")
	ttl       = flag.Duration("ttl", 12*time.Hour, "how long the credential stays valid")
)

func main() {
	_ = godotenv.Load()
	flagenv.Parse()
	flag.Parse()

	issuer, err := auth.NewIssuer(*jwtSecret, *ttl, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create issuer: %v\n", err)
		os.Exit(1)
	}

	teams := []string{*team}
	if *teamsFile != "" {
		teams, err = readTeams(*teamsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read teams: %v\n", err)
			os.Exit(1)
		}
	}

	for _, t := range teams {
		token, err := issuer.Issue(t, *admin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue credential for %q: %v\n", t, err)
			os.Exit(1)
		}
		if len(teams) == 1 {
			fmt.Println(token)
			continue
		}
		fmt.Printf("%s\t%s\n", t, token)
	}
}

func readTeams(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var teams []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		teams = append(teams, line)
	}
	return teams, scanner.Err()
}
