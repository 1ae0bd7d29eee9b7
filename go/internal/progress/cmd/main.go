package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fontyslads/ctf-portal-sub000/go/clients"
	"github.com/fontyslads/ctf-portal-sub000/go/clients/portal_client"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/auth"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/coordinator"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/dbconfig"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/progress"
)

var (
	portalURL  = flag.String("portal-url", portal_client.DefaultBaseURL, "base URL of the portal API")
	gatewayURL = flag.String("gateway-url", portal_client.DefaultGatewayURL, "base URL of the team gateway, empty to disable live updates")
	token      = flag.String("token", "", "credential issued for your team")
	tick       = flag.Duration("tick", time.Minute, "how often the countdown is printed")
)

func main() {
	_ = godotenv.Load()
	flagenv.Prefix = "CTF_"
	flagenv.Parse()
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(dbconfig.LogLevelFromEnv())

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a credential is required (-token or CTF_TOKEN)")
		os.Exit(2)
	}
	claims, err := auth.ReadClaims(*token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unreadable credential: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := portal_client.NewPortalClient(*portalURL, *token)
	clock := clockwork.NewRealClock()

	c := &console{
		out:    os.Stdout,
		claims: claims,
		clock:  clock,
		// the administrative trigger never supersedes a team's own requests
		workshop: coordinator.New("workshop", client),
	}
	if claims.Team != "" {
		c.store = progress.NewStore(coordinator.New("challenges", client))
		c.engine = progress.NewTimerEngine(c.store, clock)
		defer c.engine.Close()

		c.engine.OnExpire(func(ch models.Challenge) {
			fmt.Fprintf(c.out, "\nTime is up for challenge %d.\n", ch.ID)
		})
		c.refresh(ctx)

		go c.engine.Watch(ctx, *tick, c.printCountdown)

		if *gatewayURL != "" {
			wsURL, err := client.GatewayURL(*gatewayURL)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid gateway url")
			}
			sub := newSubscription(wsURL, clock, func() { c.refresh(ctx) })
			go sub.Run(ctx)
		}
	}

	c.help()
	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.dispatch(ctx, line); quit {
				return
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

type console struct {
	out      io.Writer
	claims   *auth.Claims
	clock    clockwork.Clock
	store    *progress.Store
	engine   *progress.TimerEngine
	workshop *coordinator.Coordinator
}

func (c *console) help() {
	fmt.Fprintln(c.out, "Commands:")
	if c.store != nil {
		fmt.Fprintln(c.out, "  list               show your challenges")
		fmt.Fprintln(c.out, "  submit <id> <flag> submit a flag")
		fmt.Fprintln(c.out, "  time               show the countdown")
	}
	if c.claims.Admin {
		fmt.Fprintln(c.out, "  start              start the workshop for every team")
	}
	fmt.Fprintln(c.out, "  quit")
}

func (c *console) dispatch(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch cmd := fields[0]; {
	case cmd == "quit" || cmd == "exit":
		return true
	case cmd == "help":
		c.help()
	case cmd == "start" && c.claims.Admin:
		c.startWorkshop(ctx)
	case c.store == nil:
		c.help()
	case cmd == "list":
		c.refresh(ctx)
	case cmd == "time":
		c.printCountdown(c.engine.Countdown())
	case cmd == "submit" && len(fields) >= 3:
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprintf(c.out, "%q is not a challenge id\n", fields[1])
			return false
		}
		c.submit(ctx, id, strings.Join(fields[2:], " "))
	default:
		c.help()
	}
	return false
}

func (c *console) refresh(ctx context.Context) {
	applied, err := c.store.ListChallenges(ctx)
	if err != nil {
		fmt.Fprintln(c.out, "Challenges are temporarily unavailable, try again shortly.")
		return
	}
	if applied {
		c.render(c.store.Snapshot())
	}
}

func (c *console) submit(ctx context.Context, id int, value string) {
	result, err := c.store.SubmitAttempt(ctx, id, value)

	var apiErr *clients.APIError
	switch {
	case errors.As(err, &apiErr):
		fmt.Fprintf(c.out, "Submission rejected (%d): %s\n", apiErr.StatusCode, strings.TrimSpace(string(apiErr.Body)))
		return
	case err != nil:
		fmt.Fprintf(c.out, "Submission failed: %v\n", err)
		return
	case result == nil:
		// superseded by a newer request
		return
	}

	switch result.Status {
	case models.ChallengeStatusValid:
		fmt.Fprintf(c.out, "Challenge %d solved!\n", result.ID)
	case models.ChallengeStatusInvalid:
		fmt.Fprintf(c.out, "Wrong flag for challenge %d.\n", result.ID)
	default:
		fmt.Fprintf(c.out, "Challenge %d is %s.\n", result.ID, result.Status)
	}
	c.render(c.store.Snapshot())
}

func (c *console) startWorkshop(ctx context.Context) {
	started, err := progress.StartWorkshop(ctx, c.workshop)
	switch {
	case err != nil:
		fmt.Fprintf(c.out, "Could not start the workshop: %v\n", err)
	case started:
		fmt.Fprintln(c.out, "Workshop started.")
	default:
		fmt.Fprintln(c.out, "Workshop was already running.")
	}
}

func (c *console) render(collection []models.Challenge) {
	sort.Slice(collection, func(i, j int) bool { return collection[i].ID < collection[j].ID })

	fmt.Fprintf(c.out, "\nTeam %s\n", c.claims.Team)
	for _, ch := range collection {
		desc := ch.Description
		if ch.StartTime == nil {
			desc = "(locked)"
		}
		fmt.Fprintf(c.out, "  [%d] %-14s %s\n", ch.ID, ch.Status, desc)
	}
}

func (c *console) printCountdown(cd progress.Countdown) {
	if !cd.Active {
		fmt.Fprintln(c.out, "No challenge is running.")
		return
	}
	fmt.Fprintf(c.out, "Challenge %d: %s left\n", cd.ChallengeID, cd.Remaining.Truncate(time.Second))
}
