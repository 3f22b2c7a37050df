package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"engram/internal/semantic"
	"engram/internal/segment"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// appendAttempts bounds retries when another writer takes the same turn
// number first.
const appendAttempts = 3

// Turn is one message in a session.
type Turn struct {
	SessionID string    `json:"session_id"`
	Number    int       `json:"turn"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnMatch is a turn returned by SearchSession.
type TurnMatch struct {
	Turn  Turn    `json:"turn"`
	Score float64 `json:"score"`
}

func validSessionID(id string) error {
	if id == "" || strings.ContainsAny(id, "/ \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// AppendTurn appends a turn to a session and returns it. Turns are numbered
// from 1. Appends to one session are serialized.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) (Turn, error) {
	if err := validSessionID(sessionID); err != nil {
		return Turn{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Turn{}, ErrEmptyText
	}
	if role == "" {
		role = RoleUser
	}

	unlock := s.sessions.Lock(sessionID)
	defer unlock()

	vec, err := s.turns.Embed(ctx, content)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}

	prefix := segment.SessionPrefix(sessionID)
	for attempt := 0; attempt < appendAttempts; attempt++ {
		n, err := s.turns.Count(ctx, prefix)
		if err != nil {
			return Turn{}, fmt.Errorf("append turn: %w", err)
		}
		turn := Turn{SessionID: sessionID, Number: n + 1, Role: role, Content: content, Timestamp: time.Now().UTC()}
		err = s.turns.Put(ctx, segment.Segment{
			Key:       segment.TurnKey(sessionID, turn.Number),
			Embedding: vec,
			Content:   content,
			CreatedAt: turn.Timestamp,
			Meta: segment.Metadata{
				Kind: segment.KindTurn,
				Turn: &segment.TurnMeta{SessionID: sessionID, Turn: turn.Number, Role: role},
			},
		})
		if errors.Is(err, segment.ErrDuplicateKey) {
			s.logger.Debug().Str("session", sessionID).Int("turn", turn.Number).Msg("turn number taken, retrying")
			continue
		}
		if err != nil {
			return Turn{}, fmt.Errorf("append turn: %w", err)
		}
		return turn, nil
	}
	return Turn{}, fmt.Errorf("append turn to %s: %w", sessionID, segment.ErrDuplicateKey)
}

// History returns every turn of a session in order. The last limit turns
// are returned when limit > 0.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	var turns []Turn
	for seg, err := range s.turns.Scan(ctx, segment.SessionPrefix(sessionID)) {
		if err != nil {
			return nil, fmt.Errorf("session history: %w", err)
		}
		turns = append(turns, turnFromSegment(seg))
	}
	// keys sort lexically, turn numbers numerically
	sort.Slice(turns, func(i, j int) bool { return turns[i].Number < turns[j].Number })
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// SearchSession returns the k turns of one session closest to query.
func (s *Store) SearchSession(ctx context.Context, sessionID, query string, k int) ([]TurnMatch, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	matches, err := s.turns.Search(ctx, query, k, semantic.Filter{Prefix: segment.SessionPrefix(sessionID)})
	if err != nil {
		return nil, fmt.Errorf("search session: %w", err)
	}
	out := make([]TurnMatch, len(matches))
	for i, m := range matches {
		out[i] = TurnMatch{Turn: turnFromSegment(m.Segment), Score: m.Score}
	}
	return out, nil
}

func turnFromSegment(seg segment.Segment) Turn {
	t := Turn{Content: seg.Content, Timestamp: seg.CreatedAt}
	if m := seg.Meta.Turn; m != nil {
		t.SessionID = m.SessionID
		t.Number = m.Turn
		t.Role = m.Role
	}
	return t
}
