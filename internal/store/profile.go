package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SetProfileValue upserts a durable, low-count static-profile key/value
// pair (name, timezone, ...).
func (d *DB) SetProfileValue(userID, key, value string) error {
	if userID == "" {
		userID = SingleUser
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(`
		INSERT INTO user_profiles (user_id, key, value, updated_at) VALUES (?,?,?,?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, userID, key, value, now)
	return err
}

// GetProfileValue retrieves a single profile key.
func (d *DB) GetProfileValue(userID, key string) (string, bool, error) {
	if userID == "" {
		userID = SingleUser
	}
	var v string
	err := d.db.QueryRow(`SELECT value FROM user_profiles WHERE user_id = ? AND key = ?`, userID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// AllProfileValues returns the full static profile as a map.
func (d *DB) AllProfileValues(userID string) (map[string]string, error) {
	if userID == "" {
		userID = SingleUser
	}
	rows, err := d.db.Query(`SELECT key, value FROM user_profiles WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DynamicProfile carries recent topics, mood, active projects, and the
// last-interaction timestamp — a singleton row per user, distinct from the
// durable static profile.
type DynamicProfile struct {
	UserID          string    `json:"userId"`
	RecentTopics    []string  `json:"recentTopics,omitempty"`
	Mood            string    `json:"mood,omitempty"`
	ActiveProjects  []string  `json:"activeProjects,omitempty"`
	LastInteraction time.Time `json:"lastInteraction"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// GetDynamicProfile returns the singleton dynamic profile row, or a
// zero-value profile if none exists yet.
func (d *DB) GetDynamicProfile(userID string) (*DynamicProfile, error) {
	if userID == "" {
		userID = SingleUser
	}
	row := d.db.QueryRow(`
		SELECT recent_topics, mood, active_projects, last_interaction, updated_at
		FROM dynamic_profile WHERE user_id = ?
	`, userID)
	var topicsRaw, projectsRaw, mood sql.NullString
	var lastInterStr, updatedStr sql.NullString
	err := row.Scan(&topicsRaw, &mood, &projectsRaw, &lastInterStr, &updatedStr)
	if err == sql.ErrNoRows {
		return &DynamicProfile{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dynamic profile: %w", err)
	}
	dp := &DynamicProfile{UserID: userID}
	if mood.Valid {
		dp.Mood = mood.String
	}
	if topicsRaw.Valid {
		_ = json.Unmarshal([]byte(topicsRaw.String), &dp.RecentTopics)
	}
	if projectsRaw.Valid {
		_ = json.Unmarshal([]byte(projectsRaw.String), &dp.ActiveProjects)
	}
	if lastInterStr.Valid {
		dp.LastInteraction, _ = time.Parse(time.RFC3339Nano, lastInterStr.String)
	}
	if updatedStr.Valid {
		dp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr.String)
	}
	return dp, nil
}

// PutDynamicProfile upserts the singleton dynamic profile row.
func (d *DB) PutDynamicProfile(dp *DynamicProfile) error {
	if dp.UserID == "" {
		dp.UserID = SingleUser
	}
	topicsJSON, _ := json.Marshal(dp.RecentTopics)
	projectsJSON, _ := json.Marshal(dp.ActiveProjects)
	now := time.Now().UTC()
	_, err := d.db.Exec(`
		INSERT INTO dynamic_profile (user_id, recent_topics, mood, active_projects, last_interaction, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			recent_topics = excluded.recent_topics, mood = excluded.mood,
			active_projects = excluded.active_projects, last_interaction = excluded.last_interaction,
			updated_at = excluded.updated_at
	`, dp.UserID, string(topicsJSON), dp.Mood, string(projectsJSON),
		dp.LastInteraction.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	return err
}

// BehavioralPatterns carries communication style and exponentially
// smoothed engagement signals plus affect state.
type BehavioralPatterns struct {
	UserID               string  `json:"userId"`
	CommunicationStyle   string  `json:"communicationStyle,omitempty"`
	MessageFrequency     float64 `json:"messageFrequency"`
	SessionEngagement    float64 `json:"sessionEngagement"`
	TopicSwitchRate      float64 `json:"topicSwitchRate"`
	ResponseLengthTrend  float64 `json:"responseLengthTrend"`
	AffectState          string  `json:"affectState,omitempty"`
}

// GetBehavioralPatterns returns the singleton row, or zero values.
func (d *DB) GetBehavioralPatterns(userID string) (*BehavioralPatterns, error) {
	if userID == "" {
		userID = SingleUser
	}
	row := d.db.QueryRow(`
		SELECT communication_style, message_frequency, session_engagement,
			topic_switch_rate, response_length_trend, affect_state
		FROM behavioral_patterns WHERE user_id = ?
	`, userID)
	var style, affect sql.NullString
	bp := &BehavioralPatterns{UserID: userID}
	err := row.Scan(&style, &bp.MessageFrequency, &bp.SessionEngagement, &bp.TopicSwitchRate, &bp.ResponseLengthTrend, &affect)
	if err == sql.ErrNoRows {
		return bp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get behavioral patterns: %w", err)
	}
	if style.Valid {
		bp.CommunicationStyle = style.String
	}
	if affect.Valid {
		bp.AffectState = affect.String
	}
	return bp, nil
}

// PutBehavioralPatterns upserts the singleton row. Smoothing is the
// caller's responsibility (see gardener's affect-update pass).
func (d *DB) PutBehavioralPatterns(bp *BehavioralPatterns) error {
	if bp.UserID == "" {
		bp.UserID = SingleUser
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(`
		INSERT INTO behavioral_patterns (user_id, communication_style, message_frequency,
			session_engagement, topic_switch_rate, response_length_trend, affect_state, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			communication_style = excluded.communication_style,
			message_frequency = excluded.message_frequency,
			session_engagement = excluded.session_engagement,
			topic_switch_rate = excluded.topic_switch_rate,
			response_length_trend = excluded.response_length_trend,
			affect_state = excluded.affect_state,
			updated_at = excluded.updated_at
	`, bp.UserID, bp.CommunicationStyle, bp.MessageFrequency, bp.SessionEngagement,
		bp.TopicSwitchRate, bp.ResponseLengthTrend, bp.AffectState, now)
	return err
}
