package quiztest

import (
	"math"
	"math/rand/v2"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
)

type game struct {
	ID        string
	UserID    string
	Score     int
	StartedAt time.Time
	EndedAt   *time.Time
	Rounds    []roundRecord
}

type question struct {
	ID       string
	GameID   string
	Answer   string
	ImageURL string
	Choices  []string
}

type roundRecord struct {
	QuestionID   string
	SelectedSlug string
	CorrectSlug  string
	IsCorrect    bool
	Score        int
	ImageURL     string
	Choices      []string
}

type roundRecordJSON struct {
	Question  string      `json:"question"`
	Selected  string      `json:"selected_answer_slug"`
	Correct   string      `json:"correct_answer_slug"`
	IsCorrect bool        `json:"is_correct"`
	Score     int         `json:"score"`
	ImageURL  string      `json:"image_url"`
	Choices   []breedJSON `json:"choices"`
}

type gameRequest struct {
	GameSessionID string `json:"game_session_id"`
	QuestionID    string `json:"question_id,omitempty"`
	SelectedSlug  string `json:"selected_slug,omitempty"`
}

func guestKey(gameID string) string {
	return "guest_game:" + gameID
}

func langFrom(r *http.Request) string {
	if r.URL.Query().Get("lang") == "zh" {
		return "zh"
	}
	return "en"
}

// CorrectSlug returns the answer to an outstanding question
func (s *Server) CorrectSlug(questionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.questions[questionID]; ok {
		return q.Answer
	}
	return ""
}

// GameCount returns how many games exist, finished or not
func (s *Server) GameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.games)
}

// lookupGame finds a game the caller may act on. Guest games are bound to the
// cookie session that started them; user games to their owner.
func (s *Server) lookupGame(r *http.Request, id string) (g *game, found bool) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}
	userID := userIDFromContext(r.Context())

	s.mu.Lock()
	g, found = s.games[id]
	s.mu.Unlock()
	if !found {
		return nil, false
	}
	if g.UserID != userID {
		return nil, true
	}
	if g.UserID == "" && !s.sessions.GetBool(r.Context(), guestKey(id)) {
		return nil, true
	}
	return g, true
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	g := &game{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: time.Now(),
	}

	s.mu.Lock()
	s.games[g.ID] = g
	s.mu.Unlock()

	if userID == "" {
		s.sessions.Put(r.Context(), guestKey(g.ID), true)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"game_session_id": g.ID,
		"is_guest":        userID == "",
		"total_rounds":    TotalRounds,
	})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req gameRequest
	if !decodeJSON(r, &req) {
		errorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	g, _ := s.lookupGame(r, req.GameSessionID)
	if g == nil {
		errorJSON(w, http.StatusBadRequest, "Invalid game session")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g.EndedAt != nil || len(g.Rounds) >= TotalRounds {
		errorJSON(w, http.StatusBadRequest, "Game is over")
		return
	}

	perm := rand.Perm(len(breeds))[:ChoicesPerQuestion]
	choices := make([]string, 0, len(perm))
	for _, i := range perm {
		choices = append(choices, breeds[i].Slug)
	}
	answer := breeds[perm[rand.IntN(len(perm))]]

	q := &question{
		ID:       uuid.NewString(),
		GameID:   g.ID,
		Answer:   answer.Slug,
		ImageURL: answer.imageURL(rand.IntN(100)),
		Choices:  choices,
	}
	s.questions[q.ID] = q

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            q.ID,
		"image_url":     q.ImageURL,
		"current_round": len(g.Rounds) + 1,
		"choices":       choicesJSON(q.Choices, langFrom(r)),
	})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req gameRequest
	if !decodeJSON(r, &req) || req.SelectedSlug == "" {
		errorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	g, _ := s.lookupGame(r, req.GameSessionID)
	if g == nil {
		errorJSON(w, http.StatusBadRequest, "Invalid game session")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[req.QuestionID]
	if !ok || q.GameID != g.ID || g.EndedAt != nil {
		errorJSON(w, http.StatusBadRequest, "Round expired, please start a new round.")
		return
	}
	delete(s.questions, q.ID)

	isCorrect := req.SelectedSlug == q.Answer
	score := 0
	if isCorrect {
		score = 1
	}
	g.Score += score
	g.Rounds = append(g.Rounds, roundRecord{
		QuestionID:   q.ID,
		SelectedSlug: req.SelectedSlug,
		CorrectSlug:  q.Answer,
		IsCorrect:    isCorrect,
		Score:        score,
		ImageURL:     q.ImageURL,
		Choices:      q.Choices,
	})

	stat, ok := s.breedStats[q.Answer]
	if !ok {
		stat = &breedStat{}
		s.breedStats[q.Answer] = stat
	}
	stat.Attempts++
	stat.Correct += score

	b, _ := breedBySlug(q.Answer)
	writeJSON(w, http.StatusOK, map[string]any{
		"correct_slug": q.Answer,
		"score":        score,
		"is_correct":   isCorrect,
		"breed":        b.toJSON(langFrom(r)),
	})
}

func (s *Server) handleEndGame(w http.ResponseWriter, r *http.Request) {
	var req gameRequest
	if !decodeJSON(r, &req) {
		errorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	g, found := s.lookupGame(r, req.GameSessionID)
	if !found {
		errorJSON(w, http.StatusBadRequest, "Invalid or expired game session")
		return
	}
	if g == nil {
		errorJSON(w, http.StatusForbidden, "Invalid game session or access denied")
		return
	}

	lang := langFrom(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.EndedAt != nil {
		errorJSON(w, http.StatusBadRequest, "Invalid or expired game session")
		return
	}
	now := time.Now()
	g.EndedAt = &now

	records := make([]roundRecordJSON, 0, len(g.Rounds))
	for _, rr := range g.Rounds {
		records = append(records, roundRecordJSON{
			Question:  rr.QuestionID,
			Selected:  rr.SelectedSlug,
			Correct:   rr.CorrectSlug,
			IsCorrect: rr.IsCorrect,
			Score:     rr.Score,
			ImageURL:  rr.ImageURL,
			Choices:   choicesJSON(rr.Choices, lang),
		})
		if rr.IsCorrect {
			s.totalCorrect++
		}
	}
	s.totalGames++
	s.totalRounds += len(g.Rounds)

	// Guest games are not kept once summarized
	if g.UserID == "" {
		delete(s.games, g.ID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            g.ID,
		"score":         g.Score,
		"started_at":    g.StartedAt,
		"ended_at":      now,
		"rounds":        len(g.Rounds),
		"round_records": records,
	})
}

func (s *Server) handleTerminateGame(w http.ResponseWriter, r *http.Request) {
	var req gameRequest
	if !decodeJSON(r, &req) {
		errorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	g, found := s.lookupGame(r, req.GameSessionID)
	if found && g == nil {
		errorJSON(w, http.StatusForbidden, "Invalid game session or access denied")
		return
	}
	if g != nil {
		s.mu.Lock()
		delete(s.games, g.ID)
		for id, q := range s.questions {
			if q.GameID == g.ID {
				delete(s.questions, id)
			}
		}
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Game session terminated"})
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	accuracy := 0.0
	if s.totalRounds > 0 {
		accuracy = math.Round(float64(s.totalCorrect)/float64(s.totalRounds)*10000) / 100
	}

	type hardest struct {
		Rank     int       `json:"rank"`
		Breed    breedJSON `json:"breed"`
		Attempts int       `json:"attempts"`
		Accuracy float64   `json:"accuracy"`
	}
	var stats []hardest
	for slug, st := range s.breedStats {
		b, ok := breedBySlug(slug)
		if !ok || st.Attempts == 0 {
			continue
		}
		stats = append(stats, hardest{
			Breed:    b.toJSON(lang),
			Attempts: st.Attempts,
			Accuracy: math.Round(float64(st.Correct)/float64(st.Attempts)*10000) / 100,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Accuracy != stats[j].Accuracy {
			return stats[i].Accuracy < stats[j].Accuracy
		}
		return stats[i].Breed.Slug < stats[j].Breed.Slug
	})
	if len(stats) > 3 {
		stats = stats[:3]
	}
	for i := range stats {
		stats[i].Rank = i + 1
	}
	if stats == nil {
		stats = []hardest{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_games":    s.totalGames,
		"total_rounds":   s.totalRounds,
		"total_players":  len(s.users),
		"avg_accuracy":   accuracy,
		"hardest_breeds": stats,
	})
}
