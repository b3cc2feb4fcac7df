package quiz

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

var (
	// ErrGameOver means every round has been answered
	ErrGameOver = errors.New("all rounds played")

	// ErrNoQuestion means Submit was called with no question outstanding
	ErrNoQuestion = errors.New("no question to answer")

	// ErrGameEnded means the game was already ended or terminated
	ErrGameEnded = errors.New("game already ended")
)

// StartGame opens a game session. Without a session the game is a guest game.
func (c *Client) StartGame(ctx context.Context) (*GameStart, error) {
	var start GameStart
	if err := c.call(ctx, http.MethodPost, "/start-game/", nil, nil, &start); err != nil {
		return nil, err
	}
	return &start, nil
}

// Question fetches the next question of a game
func (c *Client) Question(ctx context.Context, gameSessionID uuid.UUID) (*Question, error) {
	var q Question
	err := c.call(ctx, http.MethodPost, "/question/", c.langQuery(), gameSessionRequest{GameSessionID: gameSessionID}, &q)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Answer submits the selected breed for a question
func (c *Client) Answer(ctx context.Context, req AnswerRequest) (*AnswerResult, error) {
	var res AnswerResult
	if err := c.call(ctx, http.MethodPost, "/answer/", c.langQuery(), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// EndGame finishes a game and returns its summary
func (c *Client) EndGame(ctx context.Context, gameSessionID uuid.UUID) (*GameSummary, error) {
	var summary GameSummary
	err := c.call(ctx, http.MethodPost, "/end-game/", c.langQuery(), gameSessionRequest{GameSessionID: gameSessionID}, &summary)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// TerminateGame abandons a game without recording it
func (c *Client) TerminateGame(ctx context.Context, gameSessionID uuid.UUID) error {
	return c.call(ctx, http.MethodPost, "/terminate-game/", nil, gameSessionRequest{GameSessionID: gameSessionID}, nil)
}

// GlobalStats returns statistics over all players
func (c *Client) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	var stats GlobalStats
	if err := c.call(ctx, http.MethodGet, "/global-stats/", c.langQuery(), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Game drives one game session round by round. It is not safe for concurrent use.
type Game struct {
	client  *Client
	start   GameStart
	score   int
	played  int
	current *Question
	ended   bool
}

// NewGame starts a game session
func (c *Client) NewGame(ctx context.Context) (*Game, error) {
	start, err := c.StartGame(ctx)
	if err != nil {
		return nil, err
	}
	return &Game{client: c, start: *start}, nil
}

func (g *Game) ID() uuid.UUID     { return g.start.GameSessionID }
func (g *Game) IsGuest() bool     { return g.start.IsGuest }
func (g *Game) TotalRounds() int  { return g.start.TotalRounds }
func (g *Game) Score() int        { return g.score }
func (g *Game) RoundsPlayed() int { return g.played }

// Done reports whether every round has been answered
func (g *Game) Done() bool {
	return g.played >= g.start.TotalRounds
}

// Next returns the question for the current round. An unanswered question is
// returned again rather than fetching a new one.
func (g *Game) Next(ctx context.Context) (*Question, error) {
	if g.ended {
		return nil, ErrGameEnded
	}
	if g.current != nil {
		return g.current, nil
	}
	if g.Done() {
		return nil, ErrGameOver
	}
	q, err := g.client.Question(ctx, g.ID())
	if err != nil {
		return nil, err
	}
	g.current = q
	return q, nil
}

// Submit answers the current question
func (g *Game) Submit(ctx context.Context, slug string) (*AnswerResult, error) {
	if g.ended {
		return nil, ErrGameEnded
	}
	if g.current == nil {
		return nil, ErrNoQuestion
	}
	res, err := g.client.Answer(ctx, AnswerRequest{
		GameSessionID: g.ID(),
		QuestionID:    g.current.ID,
		SelectedSlug:  slug,
	})
	if err != nil {
		return nil, err
	}
	g.current = nil
	g.played++
	g.score += res.Score
	return res, nil
}

// End finishes the game and returns the server's summary
func (g *Game) End(ctx context.Context) (*GameSummary, error) {
	if g.ended {
		return nil, ErrGameEnded
	}
	summary, err := g.client.EndGame(ctx, g.ID())
	if err != nil {
		return nil, err
	}
	g.ended = true
	return summary, nil
}

// Terminate abandons the game
func (g *Game) Terminate(ctx context.Context) error {
	if g.ended {
		return ErrGameEnded
	}
	if err := g.client.TerminateGame(ctx, g.ID()); err != nil {
		return err
	}
	g.ended = true
	return nil
}
