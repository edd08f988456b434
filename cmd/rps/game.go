package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"groupsync"
	"groupsync/docstore"

	"go.uber.org/zap"
)

// Moves, by their response key.
const (
	Rock     = "r"
	Paper    = "p"
	Scissors = "s"
)

var moveNames = map[string]string{
	Rock:     "rock",
	Paper:    "paper",
	Scissors: "scissors",
}

// beats maps each move to the move it defeats.
var beats = map[string]string{
	Rock:     Scissors,
	Paper:    Rock,
	Scissors: Paper,
}

// Outcome of one trial from the local player's view.
type Outcome int

const (
	Lost Outcome = -1
	Tied Outcome = 0
	Won  Outcome = 1
)

func (o Outcome) String() string {
	switch o {
	case Lost:
		return "lost"
	case Won:
		return "won"
	default:
		return "tied"
	}
}

// points weights outcomes for the final score: only wins count.
var points = map[Outcome]int{Lost: 0, Tied: 0, Won: 1}

// Judge compares the local response with the partner's.
func Judge(own, partner string) Outcome {
	switch {
	case own == partner:
		return Tied
	case beats[own] == partner:
		return Won
	default:
		return Lost
	}
}

// Chooser supplies the local player's response for a trial.
type Chooser interface {
	Choose(ctx context.Context, trial int) (string, error)
}

// randomChooser plays uniformly at random.
type randomChooser struct {
	rng *rand.Rand
}

func newRandomChooser(seed uint64) *randomChooser {
	return &randomChooser{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (c *randomChooser) Choose(context.Context, int) (string, error) {
	return []string{Rock, Paper, Scissors}[c.rng.IntN(3)], nil
}

// promptChooser reads responses from a terminal.
type promptChooser struct {
	in  *bufio.Scanner
	out io.Writer
}

func newPromptChooser(in io.Reader, out io.Writer) *promptChooser {
	return &promptChooser{in: bufio.NewScanner(in), out: out}
}

func (c *promptChooser) Choose(ctx context.Context, trial int) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprintf(c.out, "Trial %d. Rock, paper, scissors, which one is it? [r/p/s] ", trial+1)
		if !c.in.Scan() {
			if err := c.in.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		move := strings.ToLower(strings.TrimSpace(c.in.Text()))
		if _, ok := moveNames[move]; ok {
			return move, nil
		}
	}
}

// trialResult records one trial.
type trialResult struct {
	Trial           int
	Response        string
	PartnerResponse string
	Outcome         Outcome
}

// game plays trials against the current partner.
type game struct {
	trials  int
	chooser Chooser
	logger  *zap.Logger
}

func responded(trial int) func(docstore.Document) bool {
	return func(doc docstore.Document) bool {
		return len(doc.Slice("data", "choices")) > trial
	}
}

// play waits for the session to run, then for every trial pushes the local
// response, waits until every client has responded and judges against the
// first partner's latest response.
func (g *game) play(ctx context.Context, conn *groupsync.Connection) ([]trialResult, int, error) {
	logger := g.logger.With(zap.String("client_id", conn.ID()))

	reason, err := conn.Wait(ctx, func(doc docstore.Document) bool {
		return doc.String("status") == "running"
	}, groupsync.WithScope(groupsync.ScopeSession))
	if err != nil {
		return nil, 0, err
	}
	if reason != groupsync.Satisfied {
		return nil, 0, fmt.Errorf("session did not start: %s", reason)
	}

	results := make([]trialResult, 0, g.trials)
	for trial := 0; trial < g.trials; trial++ {
		response, err := g.chooser.Choose(ctx, trial)
		if err != nil {
			return results, score(results), err
		}
		logger.Debug("Local participant responded", zap.Int("trial", trial), zap.String("response", response))

		conn.Data()["choices"] = append(choices(conn.Data()["choices"]), response)
		if err := conn.Push(ctx); err != nil {
			return results, score(results), fmt.Errorf("pushing trial %d: %w", trial, err)
		}

		reason, err := conn.Wait(ctx, responded(trial), groupsync.WithScope(groupsync.ScopeClients))
		if err != nil {
			return results, score(results), err
		}
		if reason != groupsync.Satisfied {
			return results, score(results), fmt.Errorf("trial %d: %s", trial, reason)
		}

		partners, err := conn.CurrentPartners(ctx)
		if err != nil {
			return results, score(results), err
		}
		if len(partners) == 0 {
			return results, score(results), errors.New("no partner in the current grouping")
		}
		partnerDoc, err := conn.Get(ctx, partners[0])
		if err != nil {
			return results, score(results), err
		}
		partnerChoices := partnerDoc.Slice("data", "choices")
		if len(partnerChoices) <= trial {
			return results, score(results), fmt.Errorf("partner %s has no response for trial %d", partners[0], trial)
		}
		partnerResponse, _ := partnerChoices[trial].(string)

		outcome := Judge(response, partnerResponse)
		results = append(results, trialResult{
			Trial:           trial,
			Response:        response,
			PartnerResponse: partnerResponse,
			Outcome:         outcome,
		})
		logger.Info("Trial complete",
			zap.Int("trial", trial),
			zap.String("response", moveNames[response]),
			zap.String("partner_response", moveNames[partnerResponse]),
			zap.Stringer("outcome", outcome))
	}
	return results, score(results), nil
}

// choices returns the stored responses as a fresh slice.
func choices(v any) []any {
	switch c := v.(type) {
	case []any:
		return append([]any(nil), c...)
	case []string:
		out := make([]any, len(c))
		for i, s := range c {
			out[i] = s
		}
		return out
	}
	return nil
}

func score(results []trialResult) int {
	total := 0
	for _, r := range results {
		total += points[r.Outcome]
	}
	return total
}
