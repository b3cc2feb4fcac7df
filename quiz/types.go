package quiz

import (
	"time"

	"github.com/google/uuid"
)

// TokenPair is the body returned by /login/
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
}

// UserInfo is the signed-in user's profile with play history
type UserInfo struct {
	User
	DateJoined  time.Time `json:"date_joined"`
	GamesPlayed int       `json:"games_played"`
	BestScore   int       `json:"best_score"`
}

// UserUpdate is a partial profile update; nil fields are left unchanged
type UserUpdate struct {
	Username  *string `json:"username,omitempty"`
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	Password  *string `json:"password,omitempty"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// GameStart is returned by /start-game/
type GameStart struct {
	GameSessionID uuid.UUID `json:"game_session_id"`
	IsGuest       bool      `json:"is_guest"`
	TotalRounds   int       `json:"total_rounds"`
}

// Breed is a dog breed with its name in the requested language
type Breed struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type Question struct {
	ID           uuid.UUID `json:"id"`
	ImageURL     string    `json:"image_url"`
	CurrentRound int       `json:"current_round"`
	Choices      []Breed   `json:"choices"`
}

type AnswerRequest struct {
	GameSessionID uuid.UUID `json:"game_session_id"`
	QuestionID    uuid.UUID `json:"question_id"`
	SelectedSlug  string    `json:"selected_slug"`
}

type AnswerResult struct {
	CorrectSlug string `json:"correct_slug"`
	Score       int    `json:"score"`
	IsCorrect   bool   `json:"is_correct"`
	Breed       Breed  `json:"breed"`
}

type RoundRecord struct {
	QuestionID   uuid.UUID `json:"question"`
	SelectedSlug string    `json:"selected_answer_slug"`
	CorrectSlug  string    `json:"correct_answer_slug"`
	IsCorrect    bool      `json:"is_correct"`
	Score        int       `json:"score"`
	ImageURL     string    `json:"image_url,omitempty"`
	Choices      []Breed   `json:"choices,omitempty"`
}

// GameSummary is returned by /end-game/
type GameSummary struct {
	ID           uuid.UUID     `json:"id"`
	Score        int           `json:"score"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	Rounds       int           `json:"rounds"`
	RoundRecords []RoundRecord `json:"round_records"`
}

type HardestBreed struct {
	Rank     int     `json:"rank"`
	Breed    Breed   `json:"breed"`
	Attempts int     `json:"attempts"`
	Accuracy float64 `json:"accuracy"`
}

// GlobalStats aggregates every finished game on the server
type GlobalStats struct {
	TotalGames    int            `json:"total_games"`
	TotalRounds   int            `json:"total_rounds"`
	TotalPlayers  int            `json:"total_players"`
	AvgAccuracy   float64        `json:"avg_accuracy"`
	HardestBreeds []HardestBreed `json:"hardest_breeds"`
}

type gameSessionRequest struct {
	GameSessionID uuid.UUID `json:"game_session_id"`
}
