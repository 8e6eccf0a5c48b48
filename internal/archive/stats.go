package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Tapback (reaction) type codes as stored in the source database.
var reactionLabels = map[int]string{
	2000: "Loved",
	2001: "Liked",
	2002: "Disliked",
	2003: "Laughed",
	2004: "Emphasised",
	2005: "Questioned",
}

// Reaction rows are bookkeeping, not conversation; every counting query
// filters them out the same way.
const notAReaction = "(reaction_type IS NULL OR reaction_type = 0)"

// Stats runs read-only analytics over the archive.
type Stats struct {
	pool *pgxpool.Pool
}

func NewStats(pool *pgxpool.Pool) *Stats {
	return &Stats{pool: pool}
}

// ContactCount is one contact's sent/received message totals.
type ContactCount struct {
	ContactID int64  `json:"contact_id"`
	Address   string `json:"address"`
	Received  int64  `json:"received"`
	Sent      int64  `json:"sent"`
	Total     int64  `json:"total"`
}

// MessageCountsByContact returns per-contact totals, busiest first.
// "Received" counts messages the contact sent us; "Sent" counts our
// messages in threads that contact belongs to.
func (s *Stats) MessageCountsByContact(ctx context.Context) ([]ContactCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.address,
			COUNT(m.id) FILTER (WHERE NOT m.is_from_me) AS received,
			COUNT(m.id) FILTER (WHERE m.is_from_me) AS sent
		FROM contacts c
		JOIN thread_contacts tc ON tc.contact_id = c.id
		JOIN thread_messages tm ON tm.thread_id = tc.thread_id
		JOIN messages m ON m.id = tm.message_id
			AND (m.sender_id = c.id OR m.is_from_me)
		WHERE `+notAReaction+`
		GROUP BY c.id, c.address
		ORDER BY received + sent DESC, c.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact counts: %w", err)
	}
	defer rows.Close()

	var out []ContactCount
	for rows.Next() {
		var cc ContactCount
		if err := rows.Scan(&cc.ContactID, &cc.Address, &cc.Received, &cc.Sent); err != nil {
			return nil, fmt.Errorf("failed to scan contact count: %w", err)
		}
		cc.Total = cc.Received + cc.Sent
		out = append(out, cc)
	}
	return out, rows.Err()
}

// PeriodCount is one bucket of the messages-over-time histogram.
type PeriodCount struct {
	Period string `json:"period"`
	Count  int64  `json:"count"`
}

// Granularities accepted by MessagesOverTime.
const (
	ByDay   = "day"
	ByWeek  = "week"
	ByMonth = "month"
)

var periodFormats = map[string]string{
	ByDay:   "YYYY-MM-DD",
	ByWeek:  "IYYY-IW",
	ByMonth: "YYYY-MM",
}

// MessagesOverTime buckets non-reaction messages by calendar period, oldest
// bucket first.
func (s *Stats) MessagesOverTime(ctx context.Context, granularity string) ([]PeriodCount, error) {
	format, ok := periodFormats[granularity]
	if !ok {
		return nil, fmt.Errorf("unknown granularity %q", granularity)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(sent_at, $1) AS period, COUNT(*)
		FROM messages
		WHERE `+notAReaction+`
		GROUP BY period
		ORDER BY period ASC
	`, format)
	if err != nil {
		return nil, fmt.Errorf("failed to query message histogram: %w", err)
	}
	defer rows.Close()

	var out []PeriodCount
	for rows.Next() {
		var pc PeriodCount
		if err := rows.Scan(&pc.Period, &pc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan period count: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// TopContacts returns the limit busiest contacts by total traffic.
func (s *Stats) TopContacts(ctx context.Context, limit int) ([]ContactCount, error) {
	all, err := s.MessageCountsByContact(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// HourCount is one hour-of-day bucket (0-23, archive timezone UTC).
type HourCount struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// BusiestHours buckets non-reaction messages by hour of day.
func (s *Stats) BusiestHours(ctx context.Context) ([]HourCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT EXTRACT(HOUR FROM sent_at)::int AS hour, COUNT(*)
		FROM messages
		WHERE `+notAReaction+`
		GROUP BY hour
		ORDER BY COUNT(*) DESC, hour ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query busiest hours: %w", err)
	}
	defer rows.Close()

	var out []HourCount
	for rows.Next() {
		var hc HourCount
		if err := rows.Scan(&hc.Hour, &hc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan hour count: %w", err)
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}

// ResponseTime is the average reply latency within one thread.
type ResponseTime struct {
	ThreadID       int64   `json:"thread_id"`
	AverageSeconds float64 `json:"average_seconds"`
	Samples        int64   `json:"samples"`
}

// AverageResponseTime measures, per thread, the mean gap between a message
// and the next message from the other side. Only direction changes count as
// replies, and gaps outside (0s, 24h] are discarded as sessions rather than
// responses.
func (s *Stats) AverageResponseTime(ctx context.Context) ([]ResponseTime, error) {
	rows, err := s.pool.Query(ctx, `
		WITH ordered AS (
			SELECT tm.thread_id, m.sent_at, m.is_from_me,
				LAG(m.sent_at) OVER w AS prev_at,
				LAG(m.is_from_me) OVER w AS prev_from_me
			FROM thread_messages tm
			JOIN messages m ON m.id = tm.message_id
			WHERE `+notAReaction+`
			WINDOW w AS (PARTITION BY tm.thread_id ORDER BY m.sent_at ASC, m.id ASC)
		),
		gaps AS (
			SELECT thread_id,
				EXTRACT(EPOCH FROM sent_at - prev_at) AS gap
			FROM ordered
			WHERE prev_at IS NOT NULL AND is_from_me <> prev_from_me
		)
		SELECT thread_id, AVG(gap), COUNT(*)
		FROM gaps
		WHERE gap > 0 AND gap <= 86400
		GROUP BY thread_id
		ORDER BY thread_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query response times: %w", err)
	}
	defer rows.Close()

	var out []ResponseTime
	for rows.Next() {
		var rt ResponseTime
		if err := rows.Scan(&rt.ThreadID, &rt.AverageSeconds, &rt.Samples); err != nil {
			return nil, fmt.Errorf("failed to scan response time: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// ReactionCount is one tapback type's total.
type ReactionCount struct {
	Type  int    `json:"type"`
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// ReactionSummary counts tapbacks by type. Unknown codes are reported with
// an empty label rather than dropped.
func (s *Stats) ReactionSummary(ctx context.Context) ([]ReactionCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reaction_type, COUNT(*)
		FROM messages
		WHERE reaction_type IS NOT NULL AND reaction_type <> 0
		GROUP BY reaction_type
		ORDER BY COUNT(*) DESC, reaction_type ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reactions: %w", err)
	}
	defer rows.Close()

	var out []ReactionCount
	for rows.Next() {
		var rc ReactionCount
		if err := rows.Scan(&rc.Type, &rc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan reaction count: %w", err)
		}
		rc.Label = reactionLabels[rc.Type]
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Report bundles every analytic for the CLI's stats mode.
type Report struct {
	ContactCounts []ContactCount  `json:"contact_counts"`
	ByDay         []PeriodCount   `json:"by_day"`
	ByMonth       []PeriodCount   `json:"by_month"`
	BusiestHours  []HourCount     `json:"busiest_hours"`
	ResponseTimes []ResponseTime  `json:"response_times"`
	Reactions     []ReactionCount `json:"reactions"`
}

// BuildReport runs the full analytic suite.
func (s *Stats) BuildReport(ctx context.Context) (*Report, error) {
	r := &Report{}
	var err error
	if r.ContactCounts, err = s.MessageCountsByContact(ctx); err != nil {
		return nil, err
	}
	if r.ByDay, err = s.MessagesOverTime(ctx, ByDay); err != nil {
		return nil, err
	}
	if r.ByMonth, err = s.MessagesOverTime(ctx, ByMonth); err != nil {
		return nil, err
	}
	if r.BusiestHours, err = s.BusiestHours(ctx); err != nil {
		return nil, err
	}
	if r.ResponseTimes, err = s.AverageResponseTime(ctx); err != nil {
		return nil, err
	}
	if r.Reactions, err = s.ReactionSummary(ctx); err != nil {
		return nil, err
	}
	return r, nil
}
